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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hortondb/horton/internal/containers"
	"github.com/hortondb/horton/internal/gateway"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/waiting"
	"github.com/hortondb/horton/spi/capture"
)

// listener owns the dedicated notification connection. Received payloads are
// pushed through an unbounded channel so a slow handler chain can never
// stall the database connection, and a broken connection is re-established
// with exponential backoff until shutdown.
type listener struct {
	queue  *eventQueue
	logger *logging.Logger

	listenCtx  context.Context
	cancelWait context.CancelFunc

	notifications   *containers.UnboundedChannel[capture.Notification]
	receiveAwaiter  *waiting.ShutdownAwaiter
	dispatchAwaiter *waiting.ShutdownAwaiter

	mutex        sync.Mutex
	connection   *pgxpool.Conn
	shuttingDown bool
}

func newListener(
	queue *eventQueue,
) (*listener, error) {

	logger, err := logging.NewLogger("QueueListener")
	if err != nil {
		return nil, err
	}

	listenCtx, cancelWait := context.WithCancel(context.Background())
	return &listener{
		queue:  queue,
		logger: logger,

		listenCtx:  listenCtx,
		cancelWait: cancelWait,

		notifications:   containers.MakeUnboundedChannel[capture.Notification](64),
		receiveAwaiter:  waiting.NewShutdownAwaiter(),
		dispatchAwaiter: waiting.NewShutdownAwaiter(),
	}, nil
}

func (l *listener) start(
	ctx context.Context,
) error {

	if err := l.connect(ctx); err != nil {
		return err
	}

	go l.receiveLoop()
	go l.dispatchLoop()
	return nil
}

// stop cancels the pending notification wait, which aborts the listener
// connection, and awaits both loops.
func (l *listener) stop() {
	l.mutex.Lock()
	l.shuttingDown = true
	l.mutex.Unlock()

	l.cancelWait()
	l.releaseConnection()

	if err := l.receiveAwaiter.AwaitDone(); err != nil {
		l.logger.Warnf("receive loop shutdown failed: %s", err.Error())
	}
	if err := l.dispatchAwaiter.AwaitDone(); err != nil {
		l.logger.Warnf("dispatch loop shutdown failed: %s", err.Error())
	}
}

func (l *listener) connect(
	ctx context.Context,
) error {

	connection, err := l.queue.gateway.AcquireClient(ctx)
	if err != nil {
		return err
	}

	listen := fmt.Sprintf("LISTEN %s", gateway.EscapeIdentifier(l.queue.channelName))
	if _, err := connection.Exec(ctx, listen); err != nil {
		connection.Release()
		return errors.Wrap(err, 0)
	}

	l.mutex.Lock()
	l.connection = connection
	l.mutex.Unlock()

	l.logger.Debugf("Listening on channel %s", l.queue.channelName)
	return nil
}

func (l *listener) receiveLoop() {
	defer l.receiveAwaiter.SignalDone()
	defer l.notifications.Close()

	for {
		connection := l.currentConnection()
		if connection == nil {
			return
		}

		notification, err := connection.Conn().WaitForNotification(l.listenCtx)
		if err != nil {
			if l.isShuttingDown() {
				return
			}

			l.logger.Warnf("notification stream interrupted: %s", err.Error())
			l.releaseConnection()
			if !l.reconnect() {
				return
			}
			continue
		}

		parsed, err := parseNotification(notification.Payload, l.queue.internalTableName)
		if err != nil {
			// Reconciliation recovers rows whose notification was
			// undecodable
			l.logger.Debugf("dropping notification: %s", err.Error())
			l.queue.reporter.Incr("notifications_dropped")
			continue
		}

		l.queue.reporter.Incr("notifications_received")
		l.notifications.Send(parsed)
	}
}

func (l *listener) dispatchLoop() {
	defer l.dispatchAwaiter.SignalDone()

	for notification := range l.notifications.ReceiveChannel() {
		l.queue.dispatchNotification(notification)
	}
}

// reconnect re-establishes the listener connection with exponential backoff.
// Returns false when shutdown was requested while retrying.
func (l *listener) reconnect() bool {
	retryBackoff := backoff.NewExponentialBackOff()
	retryBackoff.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if l.isShuttingDown() {
			return backoff.Permanent(errors.Errorf("shutdown requested"))
		}
		return l.connect(l.listenCtx)
	}, backoff.WithContext(retryBackoff, l.listenCtx))

	if err != nil {
		if !l.isShuttingDown() {
			l.logger.Errorf("listener reconnect abandoned: %s", err.Error())
		}
		return false
	}

	l.logger.Infof("Listener connection re-established")
	return true
}

func (l *listener) currentConnection() *pgxpool.Conn {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.connection
}

func (l *listener) releaseConnection() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.connection != nil {
		l.connection.Release()
		l.connection = nil
	}
}

func (l *listener) isShuttingDown() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.shuttingDown
}
