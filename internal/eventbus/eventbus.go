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

package eventbus

import (
	"sync"

	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/spi/capture"
)

// Bus is the in-process publish/subscribe fabric: a keyed multi-handler
// registry with synchronous, awaited fan-out. Handler invocation traverses a
// snapshot of the subscriber list, so subscribing from inside a handler never
// affects the emission in flight.
type Bus struct {
	logger   *logging.Logger
	mutex    sync.RWMutex
	handlers map[string][]capture.Handler
}

func NewBus() (*Bus, error) {
	logger, err := logging.NewLogger("EventBus")
	if err != nil {
		return nil, err
	}

	return &Bus{
		logger:   logger,
		handlers: make(map[string][]capture.Handler),
	}, nil
}

// Subscribe appends a handler to the list registered for key.
func (b *Bus) Subscribe(
	key string, handler capture.Handler,
) {

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers[key] = append(b.handlers[key], handler)
}

// EmitSync invokes every handler registered for key, awaiting each to
// completion. A failing handler cannot poison the batch: its error is logged,
// collected, and the remaining handlers still run.
func (b *Bus) EmitSync(
	key string, payload any,
) []error {

	b.mutex.RLock()
	snapshot := make([]capture.Handler, len(b.handlers[key]))
	copy(snapshot, b.handlers[key])
	b.mutex.RUnlock()

	var handlerErrors []error
	for _, handler := range snapshot {
		if err := handler(payload); err != nil {
			b.logger.Errorf("handler for '%s' failed: %s", key, err.Error())
			handlerErrors = append(handlerErrors, err)
		}
	}
	return handlerErrors
}

// Subscribers reports the number of handlers registered for key.
func (b *Bus) Subscribers(
	key string,
) int {

	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.handlers[key])
}
