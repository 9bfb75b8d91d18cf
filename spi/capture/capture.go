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
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Operation identifies the row change that produced a queue row. Next to the
// three trigger operations there is one internal operation, LIVENESS_PULSE,
// which never originates from a listener trigger.
type Operation string

const (
	OperationInsert        Operation = "INSERT"
	OperationUpdate        Operation = "UPDATE"
	OperationDelete        Operation = "DELETE"
	OperationLivenessPulse Operation = "LIVENESS_PULSE"
)

// TriggerOperations enumerates the operations a listener trigger can bind to,
// in the order they appear in generated DDL.
var TriggerOperations = []Operation{
	OperationInsert,
	OperationUpdate,
	OperationDelete,
}

// IsTriggerOperation reports whether op is one of INSERT, UPDATE, DELETE.
func IsTriggerOperation(
	op Operation,
) bool {

	return lo.Contains(TriggerOperations, op)
}

// Record is a row image serialized by a listener trigger, keyed by column
// name. A nil Record means the image was absent (previous image of an INSERT)
// or projected away by an empty column whitelist.
type Record map[string]any

// Row is the canonical change-log record as stored in the event queue table.
type Row struct {
	Id             int64     `json:"id"`
	TableName      string    `json:"tableName"`
	Operation      Operation `json:"operation"`
	PreviousRecord Record    `json:"previousRecord,omitempty"`
	CurrentRecord  Record    `json:"currentRecord,omitempty"`
	QueuedAt       time.Time `json:"queuedAt"`
}

// Notification is the transient message derived from a queue row, either
// received on the asynchronous notification channel or re-synthesized by the
// reconciler.
type Notification struct {
	RowId     int64
	TableName string
	Operation Operation
	Internal  bool
}

// HealthState is the liveness verdict emitted after every pulse send.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateDead      HealthState = "dead"
)

// HealthEvent accompanies every HealthState emission.
type HealthEvent struct {
	State           HealthState
	LastHeartbeatAt time.Time
}

// Heartbeat is emitted once per round-tripped liveness pulse.
type Heartbeat struct {
	PulsedAt time.Time
	PulseLag time.Duration
}

// Handler receives the payload published under a subscription key. For
// "queued:" and "internal:" keys the payload is the row id (int64); for
// "<table>:<operation>" and "<table>:*" keys it is *Row; for health keys it is
// HealthEvent or Heartbeat.
type Handler func(payload any) error

const (
	queuedKeyPrefix   = "queued"
	internalKeyPrefix = "internal"
	healthKeyPrefix   = "health"

	// WildcardOperation subscribes to every trigger operation of a table.
	WildcardOperation = "*"
)

// QueuedEventKey is the internal bus key an external queue notification is
// routed under.
func QueuedEventKey(
	tableName string, op Operation,
) string {

	return fmt.Sprintf("%s:%s:%s", queuedKeyPrefix, tableName, op)
}

// InternalEventKey is the internal bus key an internal queue notification is
// routed under.
func InternalEventKey(
	op Operation,
) string {

	return fmt.Sprintf("%s:%s", internalKeyPrefix, op)
}

// TableEventKey is the host-facing subscription key for a single operation on
// a single table.
func TableEventKey(
	tableName string, op Operation,
) string {

	return fmt.Sprintf("%s:%s", tableName, op)
}

// WildcardEventKey is the host-facing subscription key firing once per row
// regardless of operation.
func WildcardEventKey(
	tableName string,
) string {

	return fmt.Sprintf("%s:%s", tableName, WildcardOperation)
}

// HealthEventKey is the bus key a health state is published under after
// every pulse send.
func HealthEventKey(
	state HealthState,
) string {

	return fmt.Sprintf("%s:%s", healthKeyPrefix, state)
}

// HeartbeatEventKey is the bus key heartbeats are published under.
func HeartbeatEventKey() string {
	return fmt.Sprintf("%s:heartbeat", healthKeyPrefix)
}
