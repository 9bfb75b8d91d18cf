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

package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/hortondb/horton/internal/eventbus"
	"github.com/hortondb/horton/internal/eventqueue"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/stats"
	"github.com/hortondb/horton/internal/waiting"
	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

// Checker round-trips internal pulse rows through the event queue to prove
// end-to-end health: enqueue, channel notification, dequeue. When pulses
// stop returning, the reported state degrades from healthy over unhealthy to
// dead.
type Checker struct {
	logger   *logging.Logger
	queue    eventqueue.EventQueue
	bus      *eventbus.Bus
	reporter *stats.Reporter

	pulseInterval   time.Duration
	maxMissedPulses int

	mutex           sync.Mutex
	lastHeartbeatAt time.Time
	shutdownAwaiter *waiting.ShutdownAwaiter
	subscribed      bool
}

func NewChecker(
	queue eventqueue.EventQueue, bus *eventbus.Bus, statsService *stats.Service,
	config *spiconfig.Config,
) (*Checker, error) {

	logger, err := logging.NewLogger("LivenessChecker")
	if err != nil {
		return nil, err
	}

	return &Checker{
		logger:   logger,
		queue:    queue,
		bus:      bus,
		reporter: statsService.NewReporter("liveness"),

		pulseInterval:   config.PulseInterval(),
		maxMissedPulses: config.MaxMissedPulses(),
	}, nil
}

// Start subscribes to returning pulses and starts the pulse timer.
func (c *Checker) Start(
	ctx context.Context,
) error {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.shutdownAwaiter != nil {
		return nil
	}

	if !c.subscribed {
		c.bus.Subscribe(
			capture.InternalEventKey(capture.OperationLivenessPulse), c.onPulseNotification,
		)
		c.subscribed = true
	}

	c.lastHeartbeatAt = time.Now()
	c.shutdownAwaiter = waiting.NewShutdownAwaiter()
	go c.pulseLoop(c.shutdownAwaiter)
	return nil
}

// Stop halts the pulse timer. The pulse subscription stays registered; a
// pulse row surfacing afterwards is still dequeued and turned into a
// heartbeat.
func (c *Checker) Stop() error {
	c.mutex.Lock()
	shutdownAwaiter := c.shutdownAwaiter
	c.shutdownAwaiter = nil
	c.mutex.Unlock()

	if shutdownAwaiter == nil {
		return nil
	}

	shutdownAwaiter.SignalShutdown()
	return shutdownAwaiter.AwaitDone()
}

// LastHeartbeatAt reports the monotonically advancing time of the last
// round-tripped pulse.
func (c *Checker) LastHeartbeatAt() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastHeartbeatAt
}

func (c *Checker) pulseLoop(
	shutdownAwaiter *waiting.ShutdownAwaiter,
) {

	ticker := time.NewTicker(c.pulseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownAwaiter.AwaitShutdownChan():
			shutdownAwaiter.SignalDone()
			return

		case <-ticker.C:
			if err := c.sendPulse(context.Background()); err != nil {
				// Suppressed so the interval keeps firing; a failing
				// enqueue shows up as a missed pulse anyway
				c.logger.Errorf("pulse enqueue failed: %s", err.Error())
			}
			c.emitStatus(time.Now())
		}
	}
}

func (c *Checker) sendPulse(
	ctx context.Context,
) error {

	pulseId, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}

	return c.queue.QueueInternal(ctx, capture.OperationLivenessPulse, capture.Record{
		"pulseId":  pulseId,
		"pulsedAt": time.Now().Format(time.RFC3339Nano),
	})
}

// onPulseNotification dequeues a returned pulse row and turns it into a
// heartbeat.
func (c *Checker) onPulseNotification(
	payload any,
) error {

	rowId, ok := payload.(int64)
	if !ok {
		return nil
	}

	return c.queue.Dequeue(context.Background(), rowId, func(row *capture.Row) error {
		now := time.Now()
		pulseLag := now.Sub(row.QueuedAt)

		c.mutex.Lock()
		if now.After(c.lastHeartbeatAt) {
			c.lastHeartbeatAt = now
		}
		c.mutex.Unlock()

		c.reporter.Observe("pulse_lag", pulseLag.Seconds())
		c.bus.EmitSync(capture.HeartbeatEventKey(), capture.Heartbeat{
			PulsedAt: row.QueuedAt,
			PulseLag: pulseLag,
		})
		return nil
	})
}

// emitStatus publishes exactly one of healthy, unhealthy, dead.
func (c *Checker) emitStatus(
	now time.Time,
) {

	state := c.statusAt(now)
	event := capture.HealthEvent{
		State:           state,
		LastHeartbeatAt: c.LastHeartbeatAt(),
	}

	if state != capture.HealthStateHealthy {
		c.logger.Warnf(
			"liveness state %s, last heartbeat at %s",
			state, event.LastHeartbeatAt.Format(time.RFC3339),
		)
	}
	c.bus.EmitSync(capture.HealthEventKey(state), event)
}

func (c *Checker) statusAt(
	now time.Time,
) capture.HealthState {

	silence := now.Sub(c.LastHeartbeatAt())
	tolerated := c.pulseInterval * time.Duration(c.maxMissedPulses)

	switch {
	case silence <= tolerated:
		return capture.HealthStateHealthy
	case silence <= tolerated*3:
		return capture.HealthStateUnhealthy
	default:
		return capture.HealthStateDead
	}
}
