/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements. See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package eventqueue

import (
	"strconv"
	"strings"

	"github.com/go-errors/errors"

	"github.com/hortondb/horton/spi/capture"
)

// parseNotification decodes a channel payload of the form
// "<rowId>:<tableName>:<operation>". The identifier grammar excludes colons,
// so the format is unambiguous.
func parseNotification(
	payload, internalTableName string,
) (capture.Notification, error) {

	fields := strings.Split(payload, ":")
	if len(fields) != 3 {
		return capture.Notification{}, errors.Errorf(
			"malformed queue notification payload '%s'", payload,
		)
	}

	rowId, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return capture.Notification{}, errors.Errorf(
			"malformed queue row id in notification payload '%s'", payload,
		)
	}

	tableName := fields[1]
	operation := capture.Operation(fields[2])
	internal := tableName == internalTableName

	if !internal && !capture.IsTriggerOperation(operation) {
		return capture.Notification{}, errors.Errorf(
			"unknown operation in notification payload '%s'", payload,
		)
	}

	return capture.Notification{
		RowId:     rowId,
		TableName: tableName,
		Operation: operation,
		Internal:  internal,
	}, nil
}
