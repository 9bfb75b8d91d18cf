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
	"github.com/go-errors/errors"
	"github.com/goccy/go-json"

	"github.com/hortondb/horton/spi/capture"
)

// marshalRecord renders a record for a jsonb parameter. A nil record maps to
// a NULL column value.
func marshalRecord(
	record capture.Record,
) (*string, error) {

	if record == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	value := string(encoded)
	return &value, nil
}

// unmarshalRecord decodes a jsonb column value. NULL maps to a nil record.
func unmarshalRecord(
	value []byte,
) (capture.Record, error) {

	if value == nil {
		return nil, nil
	}

	var record capture.Record
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return record, nil
}
