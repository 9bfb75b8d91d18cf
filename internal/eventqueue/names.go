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

// Logical names of the database objects the event queue owns. The gateway
// prefixes and escapes them before they reach any SQL statement.
const (
	// LogicalQueueTableName is the queue table holding the durable change
	// log.
	LogicalQueueTableName = "event_queue"

	// LogicalInternalTableName is the reserved pseudo-table name carried by
	// internal queue rows. No physical table of this name exists.
	LogicalInternalTableName = "internal"

	logicalQueueTriggerName         = "event_queue_trigger"
	logicalQueueTriggerFunctionName = "event_queue_trigger_function"
	logicalNotificationChannelName  = "event_queue_notifications"
)
