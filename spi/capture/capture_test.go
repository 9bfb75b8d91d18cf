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

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Trigger_Operation_Classification(t *testing.T) {
	assert.True(t, IsTriggerOperation(OperationInsert))
	assert.True(t, IsTriggerOperation(OperationUpdate))
	assert.True(t, IsTriggerOperation(OperationDelete))

	assert.False(t, IsTriggerOperation(OperationLivenessPulse))
	assert.False(t, IsTriggerOperation(Operation("TRUNCATE")))
	assert.False(t, IsTriggerOperation(Operation("insert")))
}

func Test_Event_Keys(t *testing.T) {
	assert.Equal(t, "queued:test_table:INSERT", QueuedEventKey("test_table", OperationInsert))
	assert.Equal(t, "internal:LIVENESS_PULSE", InternalEventKey(OperationLivenessPulse))
	assert.Equal(t, "test_table:UPDATE", TableEventKey("test_table", OperationUpdate))
	assert.Equal(t, "test_table:*", WildcardEventKey("test_table"))
	assert.Equal(t, "health:unhealthy", HealthEventKey(HealthStateUnhealthy))
	assert.Equal(t, "health:heartbeat", HeartbeatEventKey())
}
