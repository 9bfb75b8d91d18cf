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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5"

	"github.com/hortondb/horton/internal/eventbus"
	"github.com/hortondb/horton/internal/gateway"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/stats"
	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

const createQueueTableQuery = `
CREATE TABLE IF NOT EXISTS %s (
    id bigserial PRIMARY KEY,
    table_name text NOT NULL,
    operation text NOT NULL,
    previous_record jsonb,
    current_record jsonb,
    queued_at timestamptz NOT NULL
)`

const queueTableSignatureQuery = `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema()
  AND table_name = $1
ORDER BY ordinal_position`

const createQueueTriggerFunctionQuery = `
CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify(%s, NEW.id || ':' || NEW.table_name || ':' || NEW.operation);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`

const dropQueueTriggerQuery = "DROP TRIGGER IF EXISTS %s ON %s"

const createQueueTriggerQuery = `
CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE PROCEDURE %s()`

const enqueueQuery = `
INSERT INTO %s (table_name, operation, previous_record, current_record, queued_at)
VALUES ($1, $2, $3::jsonb, $4::jsonb, clock_timestamp())`

const selectForDequeueQuery = `
SELECT id, table_name, operation, previous_record, current_record, queued_at
FROM %s
WHERE id = $1
FOR UPDATE`

const deleteDequeuedRowQuery = "DELETE FROM %s WHERE id = $1"

const dropQueueTriggerFunctionQuery = "DROP FUNCTION IF EXISTS %s()"

const dropQueueTableQuery = "DROP TABLE IF EXISTS %s CASCADE"

// expectedQueueTableSignature is the column signature a pre-existing queue
// table must match exactly, in ordinal position order.
var expectedQueueTableSignature = []columnSignature{
	{"id", "bigint", false},
	{"table_name", "text", false},
	{"operation", "text", false},
	{"previous_record", "jsonb", true},
	{"current_record", "jsonb", true},
	{"queued_at", "timestamp with time zone", false},
}

type columnSignature struct {
	name     string
	dataType string
	nullable bool
}

// Callback receives a locked queue row during a dequeue. A nil return
// commits the row's deletion; an error rolls the dequeue back, leaving the
// row for a later attempt.
type Callback func(row *capture.Row) error

// EventQueue owns the queue table, its insert trigger, the notification
// listener connection, and the periodic reconciler.
type EventQueue interface {
	// Initialize creates the queue table, validates its column signature,
	// and installs the queue insert trigger, all in one transaction.
	Initialize(ctx context.Context) error

	// Queue inserts one queue row in a fresh transaction. The queue table's
	// insert trigger then fires the channel notification.
	Queue(ctx context.Context, row *capture.Row) error

	// QueueInternal inserts an internal queue row carrying metadata as its
	// current record.
	QueueInternal(ctx context.Context, operation capture.Operation, metadata capture.Record) error

	// Dequeue locks the queue row, invokes fn, and deletes the row on
	// success, all in one transaction. Absent rows are skipped without
	// invoking fn.
	Dequeue(ctx context.Context, rowId int64, fn Callback) error

	// Start brings up the listener connection and the reconciliation timer.
	Start(ctx context.Context) error

	// Stop halts the reconciler, force-releases the listener connection,
	// and awaits gracePeriod so in-flight dequeues may finish.
	Stop(gracePeriod time.Duration) error

	// Restart is Stop followed by Start, used by the liveness checker.
	Restart(ctx context.Context, cooldown time.Duration) error

	// Teardown drops the queue trigger, its function, and the queue table.
	Teardown(ctx context.Context) error

	// QueueTableName is the escaped identifier of the queue table, handed
	// to the trigger installer for its generated insert statements.
	QueueTableName() string

	// InternalTableName is the reserved pseudo-table name of internal rows.
	InternalTableName() string
}

type eventQueue struct {
	logger   *logging.Logger
	gateway  gateway.Gateway
	bus      *eventbus.Bus
	reporter *stats.Reporter

	reconciliationFrequency time.Duration

	queueTableName    string
	rawQueueTableName string
	internalTableName string
	channelName       string
	triggerName       string
	functionName      string

	mutex      sync.Mutex
	listener   *listener
	reconciler *reconciler
}

func NewEventQueue(
	g gateway.Gateway, bus *eventbus.Bus, statsService *stats.Service, config *spiconfig.Config,
) (EventQueue, error) {

	logger, err := logging.NewLogger("EventQueue")
	if err != nil {
		return nil, err
	}

	rawQueueTableName, err := g.PrefixName(LogicalQueueTableName, nil)
	if err != nil {
		return nil, err
	}

	internalTableName, err := g.PrefixName(LogicalInternalTableName, nil)
	if err != nil {
		return nil, err
	}

	channelName, err := g.PrefixName(logicalNotificationChannelName, nil)
	if err != nil {
		return nil, err
	}

	triggerName, err := g.PrefixName(logicalQueueTriggerName, nil)
	if err != nil {
		return nil, err
	}

	functionName, err := g.PrefixName(logicalQueueTriggerFunctionName, nil)
	if err != nil {
		return nil, err
	}

	return &eventQueue{
		logger:   logger,
		gateway:  g,
		bus:      bus,
		reporter: statsService.NewReporter("eventqueue"),

		reconciliationFrequency: config.ReconciliationFrequency(),

		queueTableName:    gateway.EscapeIdentifier(rawQueueTableName),
		rawQueueTableName: rawQueueTableName,
		internalTableName: internalTableName,
		channelName:       channelName,
		triggerName:       triggerName,
		functionName:      functionName,
	}, nil
}

func (eq *eventQueue) Initialize(
	ctx context.Context,
) error {

	return eq.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		createTable := fmt.Sprintf(createQueueTableQuery, eq.queueTableName)
		if _, err := tx.Exec(ctx, createTable); err != nil {
			return errors.Wrap(err, 0)
		}

		if err := eq.validate(ctx, tx); err != nil {
			return err
		}

		return eq.createTrigger(ctx, tx)
	})
}

// validate reads the queue table's column signature from the information
// schema and compares it against the expected one. A pre-existing table with
// any deviation fails initialization.
func (eq *eventQueue) validate(
	ctx context.Context, tx pgx.Tx,
) error {

	rows, err := tx.Query(ctx, queueTableSignatureQuery, eq.rawQueueTableName)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	defer rows.Close()

	signature := make([]columnSignature, 0, len(expectedQueueTableSignature))
	for rows.Next() {
		var columnName, dataType, isNullable string
		if err := rows.Scan(&columnName, &dataType, &isNullable); err != nil {
			return errors.Wrap(err, 0)
		}
		signature = append(signature, columnSignature{
			name:     columnName,
			dataType: dataType,
			nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, 0)
	}

	if len(signature) != len(expectedQueueTableSignature) {
		return errors.Errorf("queue table %s exists but is not valid", eq.rawQueueTableName)
	}
	for index, expected := range expectedQueueTableSignature {
		if signature[index] != expected {
			return errors.Errorf("queue table %s exists but is not valid", eq.rawQueueTableName)
		}
	}
	return nil
}

func (eq *eventQueue) createTrigger(
	ctx context.Context, tx pgx.Tx,
) error {

	createFunction := fmt.Sprintf(
		createQueueTriggerFunctionQuery,
		gateway.EscapeIdentifier(eq.functionName),
		gateway.EscapeLiteral(eq.channelName),
	)
	if _, err := tx.Exec(ctx, createFunction); err != nil {
		return errors.Wrap(err, 0)
	}

	dropTrigger := fmt.Sprintf(
		dropQueueTriggerQuery,
		gateway.EscapeIdentifier(eq.triggerName),
		eq.queueTableName,
	)
	if _, err := tx.Exec(ctx, dropTrigger); err != nil {
		return errors.Wrap(err, 0)
	}

	createTrigger := fmt.Sprintf(
		createQueueTriggerQuery,
		gateway.EscapeIdentifier(eq.triggerName),
		eq.queueTableName,
		gateway.EscapeIdentifier(eq.functionName),
	)
	if _, err := tx.Exec(ctx, createTrigger); err != nil {
		return errors.Wrap(err, 0)
	}

	eq.logger.Debugf("Initialized queue table %s", eq.rawQueueTableName)
	return nil
}

func (eq *eventQueue) Queue(
	ctx context.Context, row *capture.Row,
) error {

	previousRecord, err := marshalRecord(row.PreviousRecord)
	if err != nil {
		return err
	}
	currentRecord, err := marshalRecord(row.CurrentRecord)
	if err != nil {
		return err
	}

	return eq.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		enqueue := fmt.Sprintf(enqueueQuery, eq.queueTableName)
		if _, err := tx.Exec(
			ctx, enqueue, row.TableName, string(row.Operation), previousRecord, currentRecord,
		); err != nil {
			return errors.Wrap(err, 0)
		}
		eq.reporter.Incr("queued")
		return nil
	})
}

func (eq *eventQueue) QueueInternal(
	ctx context.Context, operation capture.Operation, metadata capture.Record,
) error {

	return eq.Queue(ctx, &capture.Row{
		TableName:     eq.internalTableName,
		Operation:     operation,
		CurrentRecord: metadata,
	})
}

func (eq *eventQueue) Dequeue(
	ctx context.Context, rowId int64, fn Callback,
) error {

	return eq.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		selectRow := fmt.Sprintf(selectForDequeueQuery, eq.queueTableName)

		var row capture.Row
		var operation string
		var previousRecord, currentRecord []byte
		if err := tx.QueryRow(ctx, selectRow, rowId).Scan(
			&row.Id, &row.TableName, &operation, &previousRecord, &currentRecord, &row.QueuedAt,
		); err != nil {
			if err == pgx.ErrNoRows {
				// Already dequeued by this or a concurrent worker
				return nil
			}
			return errors.Wrap(err, 0)
		}

		row.Operation = capture.Operation(operation)

		var err error
		if row.PreviousRecord, err = unmarshalRecord(previousRecord); err != nil {
			return err
		}
		if row.CurrentRecord, err = unmarshalRecord(currentRecord); err != nil {
			return err
		}

		if err := fn(&row); err != nil {
			return err
		}

		deleteRow := fmt.Sprintf(deleteDequeuedRowQuery, eq.queueTableName)
		if _, err := tx.Exec(ctx, deleteRow, rowId); err != nil {
			return errors.Wrap(err, 0)
		}

		eq.reporter.Incr("dequeued")
		return nil
	})
}

func (eq *eventQueue) Start(
	ctx context.Context,
) error {

	eq.mutex.Lock()
	defer eq.mutex.Unlock()

	if eq.listener != nil {
		return nil
	}

	listener, err := newListener(eq)
	if err != nil {
		return err
	}
	if err := listener.start(ctx); err != nil {
		return err
	}

	reconciler, err := newReconciler(eq)
	if err != nil {
		listener.stop()
		return err
	}
	reconciler.start(ctx)

	eq.listener = listener
	eq.reconciler = reconciler
	return nil
}

func (eq *eventQueue) Stop(
	gracePeriod time.Duration,
) error {

	eq.mutex.Lock()
	defer eq.mutex.Unlock()

	if eq.listener == nil {
		return nil
	}

	eq.reconciler.stop()
	eq.listener.stop()
	eq.listener = nil
	eq.reconciler = nil

	// Let in-flight dequeue transactions finish before the caller proceeds
	// with a reconnect or pool shutdown
	time.Sleep(gracePeriod)
	return nil
}

func (eq *eventQueue) Restart(
	ctx context.Context, cooldown time.Duration,
) error {

	if err := eq.Stop(cooldown); err != nil {
		return err
	}
	return eq.Start(ctx)
}

func (eq *eventQueue) Teardown(
	ctx context.Context,
) error {

	return eq.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		// CASCADE takes the insert trigger with the table, so a teardown on
		// a half-initialized database stays idempotent
		dropTable := fmt.Sprintf(dropQueueTableQuery, eq.queueTableName)
		if _, err := tx.Exec(ctx, dropTable); err != nil {
			return errors.Wrap(err, 0)
		}

		dropFunction := fmt.Sprintf(
			dropQueueTriggerFunctionQuery,
			gateway.EscapeIdentifier(eq.functionName),
		)
		if _, err := tx.Exec(ctx, dropFunction); err != nil {
			return errors.Wrap(err, 0)
		}

		eq.logger.Infof("Dropped queue table %s", eq.rawQueueTableName)
		return nil
	})
}

// dispatchNotification routes a queue notification to its in-process
// subscription key. External notifications go out as
// "queued:<table>:<operation>", internal ones as "internal:<operation>"; the
// payload is the queue row id in both cases.
func (eq *eventQueue) dispatchNotification(
	notification capture.Notification,
) {

	if notification.Internal {
		eq.bus.EmitSync(capture.InternalEventKey(notification.Operation), notification.RowId)
		return
	}
	eq.bus.EmitSync(
		capture.QueuedEventKey(notification.TableName, notification.Operation),
		notification.RowId,
	)
}

func (eq *eventQueue) QueueTableName() string {
	return eq.queueTableName
}

func (eq *eventQueue) InternalTableName() string {
	return eq.internalTableName
}
