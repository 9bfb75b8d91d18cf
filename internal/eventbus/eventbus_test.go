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
	"testing"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"
)

func Test_EmitSync_Awaits_All_Handlers(t *testing.T) {
	bus, err := NewBus()
	assert.NoError(t, err)

	invocations := make([]int, 0)
	bus.Subscribe("key", func(payload any) error {
		invocations = append(invocations, payload.(int))
		return nil
	})
	bus.Subscribe("key", func(payload any) error {
		invocations = append(invocations, payload.(int)*10)
		return nil
	})

	handlerErrors := bus.EmitSync("key", 7)
	assert.Empty(t, handlerErrors)
	assert.Equal(t, []int{7, 70}, invocations)
}

func Test_EmitSync_Isolates_Handler_Failures(t *testing.T) {
	bus, err := NewBus()
	assert.NoError(t, err)

	secondInvoked := false
	bus.Subscribe("key", func(any) error {
		return errors.Errorf("first handler broke")
	})
	bus.Subscribe("key", func(any) error {
		secondInvoked = true
		return nil
	})

	handlerErrors := bus.EmitSync("key", nil)
	assert.Len(t, handlerErrors, 1)
	assert.True(t, secondInvoked)
}

func Test_EmitSync_Unknown_Key_Is_Noop(t *testing.T) {
	bus, err := NewBus()
	assert.NoError(t, err)

	assert.Empty(t, bus.EmitSync("nobody-listens", nil))
	assert.Equal(t, 0, bus.Subscribers("nobody-listens"))
}

func Test_Subscribe_During_Emission_Does_Not_Affect_Batch(t *testing.T) {
	bus, err := NewBus()
	assert.NoError(t, err)

	invocations := 0
	bus.Subscribe("key", func(any) error {
		invocations++
		bus.Subscribe("key", func(any) error {
			invocations++
			return nil
		})
		return nil
	})

	bus.EmitSync("key", nil)
	assert.Equal(t, 1, invocations)
	assert.Equal(t, 2, bus.Subscribers("key"))
}
