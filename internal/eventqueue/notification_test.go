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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hortondb/horton/spi/capture"
)

const testInternalTableName = "horton-meta__internal"

func Test_Notification_Parse_External(t *testing.T) {
	notification, err := parseNotification("42:test_table:INSERT", testInternalTableName)
	assert.NoError(t, err)
	assert.Equal(t, capture.Notification{
		RowId:     42,
		TableName: "test_table",
		Operation: capture.OperationInsert,
		Internal:  false,
	}, notification)
}

func Test_Notification_Parse_Internal(t *testing.T) {
	notification, err := parseNotification(
		"7:horton-meta__internal:LIVENESS_PULSE", testInternalTableName,
	)
	assert.NoError(t, err)
	assert.Equal(t, capture.Notification{
		RowId:     7,
		TableName: testInternalTableName,
		Operation: capture.OperationLivenessPulse,
		Internal:  true,
	}, notification)
}

func Test_Notification_Parse_Malformed(t *testing.T) {
	for _, payload := range []string{
		"",
		"42",
		"42:test_table",
		"42:test_table:INSERT:extra",
		"notanumber:test_table:INSERT",
		"42:test_table:TRUNCATE",
		"42:test_table:LIVENESS_PULSE",
	} {
		_, err := parseNotification(payload, testInternalTableName)
		assert.Error(t, err, "payload %q should be rejected", payload)
	}
}
