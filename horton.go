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

// Package horton turns an existing PostgreSQL database into a change-data-
// capture source without logical replication or WAL access. Row changes on
// watched source tables are recorded in a durable queue table by generated
// triggers, pushed to the process over LISTEN/NOTIFY, recovered by a
// periodic reconciler, and delivered to registered handlers at most once
// per row.
package horton

import (
	"context"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/do"

	"github.com/hortondb/horton/internal/eventbus"
	"github.com/hortondb/horton/internal/eventfiltering"
	"github.com/hortondb/horton/internal/eventqueue"
	"github.com/hortondb/horton/internal/gateway"
	"github.com/hortondb/horton/internal/liveness"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/stats"
	"github.com/hortondb/horton/internal/triggers"
	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

// Dispatcher is the top-level lifecycle owner and user-facing event bus. It
// holds the event queue and the liveness checker; the liveness checker holds
// the event queue; the event queue holds neither.
type Dispatcher struct {
	logger   *logging.Logger
	config   *spiconfig.Config
	injector *do.Injector

	gateway      gateway.Gateway
	bus          *eventbus.Bus
	queue        eventqueue.EventQueue
	installer    triggers.Installer
	checker      *liveness.Checker
	filter       eventfiltering.RecordFilter
	statsService *stats.Service

	mutex              sync.Mutex
	connected          bool
	subscriptionsSet   bool
	healthActionsBound bool
}

// NewDispatcher validates the configuration and wires the component graph.
// No database connection is made before Connect.
func NewDispatcher(
	config *spiconfig.Config,
) (*Dispatcher, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if !logging.IsInitialized() {
		if err := logging.InitializeLogging(config, false); err != nil {
			return nil, err
		}
	}

	logger, err := logging.NewLogger("Dispatcher")
	if err != nil {
		return nil, err
	}

	injector := do.New()

	do.Provide(injector, func(_ *do.Injector) (gateway.Gateway, error) {
		return gateway.NewGateway(config)
	})
	do.Provide(injector, func(_ *do.Injector) (*eventbus.Bus, error) {
		return eventbus.NewBus()
	})
	do.Provide(injector, func(_ *do.Injector) (*stats.Service, error) {
		return stats.NewStatsService(config), nil
	})
	do.Provide(injector, func(i *do.Injector) (eventqueue.EventQueue, error) {
		return eventqueue.NewEventQueue(
			do.MustInvoke[gateway.Gateway](i),
			do.MustInvoke[*eventbus.Bus](i),
			do.MustInvoke[*stats.Service](i),
			config,
		)
	})
	do.Provide(injector, func(i *do.Injector) (triggers.Installer, error) {
		return triggers.NewInstaller(
			do.MustInvoke[gateway.Gateway](i),
			do.MustInvoke[eventqueue.EventQueue](i).QueueTableName(),
		)
	})
	do.Provide(injector, func(i *do.Injector) (*liveness.Checker, error) {
		return liveness.NewChecker(
			do.MustInvoke[eventqueue.EventQueue](i),
			do.MustInvoke[*eventbus.Bus](i),
			do.MustInvoke[*stats.Service](i),
			config,
		)
	})
	do.Provide(injector, func(_ *do.Injector) (eventfiltering.RecordFilter, error) {
		return eventfiltering.NewRecordFilter(config.Filters)
	})

	dispatcher := &Dispatcher{
		logger:   logger,
		config:   config,
		injector: injector,
	}

	if dispatcher.gateway, err = do.Invoke[gateway.Gateway](injector); err != nil {
		return nil, err
	}
	if dispatcher.bus, err = do.Invoke[*eventbus.Bus](injector); err != nil {
		return nil, err
	}
	if dispatcher.statsService, err = do.Invoke[*stats.Service](injector); err != nil {
		return nil, err
	}
	if dispatcher.queue, err = do.Invoke[eventqueue.EventQueue](injector); err != nil {
		return nil, err
	}
	if dispatcher.installer, err = do.Invoke[triggers.Installer](injector); err != nil {
		return nil, err
	}
	if dispatcher.checker, err = do.Invoke[*liveness.Checker](injector); err != nil {
		return nil, err
	}
	if dispatcher.filter, err = do.Invoke[eventfiltering.RecordFilter](injector); err != nil {
		return nil, err
	}

	return dispatcher, nil
}

// On registers a handler for a host-facing event key: "<table>:<operation>",
// "<table>:*", "health:healthy|unhealthy|dead", or "health:heartbeat".
// Registrations are append-only for the bound lifetime of Connect.
func (d *Dispatcher) On(
	key string, handler capture.Handler,
) {

	d.bus.Subscribe(key, handler)
}

// Connect brings the whole system up: gateway, queue objects (unless
// initializeQueue is false), listener triggers for every configured table,
// the notification listener, the reconciler, and the liveness checker.
func (d *Dispatcher) Connect(
	ctx context.Context, initializeQueue bool,
) error {

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.connected {
		return nil
	}

	if err := d.gateway.Connect(ctx); err != nil {
		return err
	}

	if initializeQueue {
		if err := d.queue.Initialize(ctx); err != nil {
			return err
		}
	}

	if err := d.installListenerTriggers(ctx); err != nil {
		return err
	}

	d.bindSubscriptions()

	if err := d.queue.Start(ctx); err != nil {
		return err
	}

	if err := d.statsService.Start(); err != nil {
		return err
	}

	if err := d.checker.Start(ctx); err != nil {
		return err
	}

	d.connected = true
	d.logger.Infof("Connected, watching %d table(s)", len(d.config.TableListeners))
	return nil
}

// Disconnect stops the liveness checker, the event queue (honoring the
// grace period for in-flight dequeues), and the gateway.
func (d *Dispatcher) Disconnect(
	gracePeriod time.Duration,
) error {

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.connected {
		return nil
	}

	if gracePeriod <= 0 {
		gracePeriod = spiconfig.DefaultDisconnectGracePeriod
	}

	if err := d.checker.Stop(); err != nil {
		d.logger.Warnf("liveness checker shutdown failed: %s", err.Error())
	}
	if err := d.queue.Stop(gracePeriod); err != nil {
		d.logger.Warnf("event queue shutdown failed: %s", err.Error())
	}
	if err := d.statsService.Stop(); err != nil {
		d.logger.Warnf("stats service shutdown failed: %s", err.Error())
	}
	if err := d.gateway.Disconnect(); err != nil {
		return err
	}

	d.connected = false
	d.logger.Infof("Disconnected")
	return nil
}

// Teardown drops every installed listener trigger and the queue objects.
// The dispatcher must be disconnected, but the gateway is brought up for
// the duration of the call.
func (d *Dispatcher) Teardown(
	ctx context.Context,
) error {

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.connected {
		return errors.Errorf("teardown requires a disconnected dispatcher")
	}

	if err := d.gateway.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := d.gateway.Disconnect(); err != nil {
			d.logger.Warnf("gateway shutdown failed: %s", err.Error())
		}
	}()

	if err := d.installer.Teardown(ctx); err != nil {
		return err
	}
	return d.queue.Teardown(ctx)
}

// installListenerTriggers reconciles the server-side trigger set with the
// configured listeners: triggers of removed tables are dropped, configured
// ones are (re-)created.
func (d *Dispatcher) installListenerTriggers(
	ctx context.Context,
) error {

	installed, err := d.installer.FindListenerTriggers(ctx)
	if err != nil {
		return err
	}

	for _, trigger := range installed {
		if _, present := d.config.TableListeners[trigger.TableName]; !present {
			if err := d.installer.DropListenerTrigger(ctx, trigger.TableName); err != nil {
				return err
			}
		}
	}

	for tableName, listener := range d.config.TableListeners {
		if err := d.installer.CreateListenerTrigger(ctx, tableName, listener); err != nil {
			return err
		}
	}
	return nil
}

// bindSubscriptions registers the dequeue pipeline for every configured
// (table, operation) pair and the liveness-driven lifecycle actions. Bound
// exactly once; reconnects reuse the registrations.
func (d *Dispatcher) bindSubscriptions() {
	if !d.subscriptionsSet {
		for tableName, listener := range d.config.TableListeners {
			for _, operation := range listener.Operations {
				d.bus.Subscribe(
					capture.QueuedEventKey(tableName, operation), d.onQueuedNotification,
				)
			}
		}
		d.subscriptionsSet = true
	}

	if !d.healthActionsBound {
		d.bus.Subscribe(capture.HealthEventKey(capture.HealthStateUnhealthy), func(any) error {
			go d.onUnhealthy()
			return nil
		})
		d.bus.Subscribe(capture.HealthEventKey(capture.HealthStateDead), func(any) error {
			go d.onDead()
			return nil
		})
		d.healthActionsBound = true
	}
}

// onQueuedNotification runs the dequeue for one notified queue row and fans
// the row out to the table-specific and wildcard handlers from within the
// dequeue transaction.
func (d *Dispatcher) onQueuedNotification(
	payload any,
) error {

	rowId, ok := payload.(int64)
	if !ok {
		return nil
	}

	return d.queue.Dequeue(context.Background(), rowId, func(row *capture.Row) error {
		deliver, err := d.filter.Evaluate(row)
		if err != nil {
			d.logger.Errorf(
				"record filter for table %s failed, delivering anyway: %s",
				row.TableName, err.Error(),
			)
			deliver = true
		}
		if !deliver {
			return nil
		}

		handlerErrors := d.bus.EmitSync(capture.TableEventKey(row.TableName, row.Operation), row)
		handlerErrors = append(
			handlerErrors, d.bus.EmitSync(capture.WildcardEventKey(row.TableName), row)...,
		)

		if d.config.AbortOnHandlerError() && len(handlerErrors) > 0 {
			return handlerErrors[0]
		}
		return nil
	})
}

func (d *Dispatcher) onUnhealthy() {
	d.logger.Warnf("Liveness degraded, restarting event queue")
	if err := d.queue.Restart(context.Background(), spiconfig.DefaultDisconnectGracePeriod); err != nil {
		d.logger.Errorf("event queue restart failed: %s", err.Error())
	}
}

func (d *Dispatcher) onDead() {
	d.logger.Errorf("Liveness dead, disconnecting")
	if err := d.Disconnect(spiconfig.DefaultDisconnectGracePeriod); err != nil {
		d.logger.Errorf("disconnect after dead state failed: %s", err.Error())
	}
}
