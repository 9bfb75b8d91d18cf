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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hortondb/horton/spi/capture"
)

func newTestChecker(
	lastHeartbeatAt time.Time,
) *Checker {

	return &Checker{
		pulseInterval:   time.Second,
		maxMissedPulses: 3,
		lastHeartbeatAt: lastHeartbeatAt,
	}
}

func Test_Status_Healthy_Within_Tolerance(t *testing.T) {
	now := time.Now()

	checker := newTestChecker(now)
	assert.Equal(t, capture.HealthStateHealthy, checker.statusAt(now))

	checker = newTestChecker(now.Add(-time.Second * 3))
	assert.Equal(t, capture.HealthStateHealthy, checker.statusAt(now))
}

func Test_Status_Unhealthy_After_Missed_Pulses(t *testing.T) {
	now := time.Now()

	checker := newTestChecker(now.Add(-time.Second*3 - time.Millisecond))
	assert.Equal(t, capture.HealthStateUnhealthy, checker.statusAt(now))

	checker = newTestChecker(now.Add(-time.Second * 9))
	assert.Equal(t, capture.HealthStateUnhealthy, checker.statusAt(now))
}

func Test_Status_Dead_After_Extended_Silence(t *testing.T) {
	now := time.Now()

	checker := newTestChecker(now.Add(-time.Second*9 - time.Millisecond))
	assert.Equal(t, capture.HealthStateDead, checker.statusAt(now))

	checker = newTestChecker(now.Add(-time.Hour))
	assert.Equal(t, capture.HealthStateDead, checker.statusAt(now))
}

func Test_Last_Heartbeat_Advances_Monotonically(t *testing.T) {
	now := time.Now()
	checker := newTestChecker(now)

	// An older candidate must never roll the heartbeat back
	checker.mutex.Lock()
	earlier := now.Add(-time.Minute)
	if earlier.After(checker.lastHeartbeatAt) {
		checker.lastHeartbeatAt = earlier
	}
	checker.mutex.Unlock()

	assert.Equal(t, now, checker.LastHeartbeatAt())
}
