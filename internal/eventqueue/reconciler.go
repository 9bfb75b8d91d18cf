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
	"time"

	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5"

	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/waiting"
	"github.com/hortondb/horton/spi/capture"
)

const reconcileBatchSize = 1000

const reconcileQuery = `
SELECT id, table_name, operation, table_name = $1 AS is_internal
FROM %s
ORDER BY queued_at ASC
FOR UPDATE SKIP LOCKED
LIMIT %d`

// reconciler periodically sweeps the queue table for rows whose channel
// notification was lost and re-emits the in-process notification the channel
// would have delivered. SKIP LOCKED keeps the sweep cooperative with
// concurrent dequeues.
type reconciler struct {
	queue  *eventQueue
	logger *logging.Logger

	frequency       time.Duration
	shutdownAwaiter *waiting.ShutdownAwaiter
}

func newReconciler(
	queue *eventQueue,
) (*reconciler, error) {

	logger, err := logging.NewLogger("QueueReconciler")
	if err != nil {
		return nil, err
	}

	return &reconciler{
		queue:  queue,
		logger: logger,

		frequency:       queue.reconciliationFrequency,
		shutdownAwaiter: waiting.NewShutdownAwaiter(),
	}, nil
}

func (r *reconciler) start(
	_ context.Context,
) {

	go func() {
		ticker := time.NewTicker(r.frequency)
		defer ticker.Stop()

		for {
			select {
			case <-r.shutdownAwaiter.AwaitShutdownChan():
				r.shutdownAwaiter.SignalDone()
				return

			case <-ticker.C:
				if err := r.reconcile(context.Background()); err != nil {
					// Suppressed so the interval keeps firing
					r.logger.Errorf("reconciliation sweep failed: %s", err.Error())
				}
			}
		}
	}()
}

func (r *reconciler) stop() {
	r.shutdownAwaiter.SignalShutdown()
	if err := r.shutdownAwaiter.AwaitDone(); err != nil {
		r.logger.Warnf("reconciler shutdown failed: %s", err.Error())
	}
}

func (r *reconciler) reconcile(
	ctx context.Context,
) error {

	var notifications []capture.Notification
	if err := r.queue.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		sweep := fmt.Sprintf(reconcileQuery, r.queue.queueTableName, reconcileBatchSize)
		rows, err := tx.Query(ctx, sweep, r.queue.internalTableName)
		if err != nil {
			return errors.Wrap(err, 0)
		}
		defer rows.Close()

		for rows.Next() {
			var notification capture.Notification
			var operation string
			if err := rows.Scan(
				&notification.RowId, &notification.TableName, &operation, &notification.Internal,
			); err != nil {
				return errors.Wrap(err, 0)
			}
			notification.Operation = capture.Operation(operation)
			notifications = append(notifications, notification)
		}
		return rows.Err()
	}); err != nil {
		return err
	}

	// The transaction is closed before re-emitting, so the speculative locks
	// are released and the handlers' own dequeue transactions can lock the
	// rows
	for _, notification := range notifications {
		r.queue.reporter.Incr("reconciled")
		r.queue.dispatchNotification(notification)
	}
	return nil
}
