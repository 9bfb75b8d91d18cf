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

package waiting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Waiter_Signal_Before_Await(t *testing.T) {
	waiter := NewWaiter()
	waiter.Signal()
	assert.NoError(t, waiter.Await())
}

func Test_Waiter_Timeout(t *testing.T) {
	waiter := NewWaiterWithTimeout(time.Millisecond * 10)
	assert.Equal(t, ErrWaiterTimeout, waiter.Await())
}

func Test_Shutdown_Awaiter_Round_Trip(t *testing.T) {
	awaiter := NewShutdownAwaiter()

	go func() {
		<-awaiter.AwaitShutdownChan()
		awaiter.SignalDone()
	}()

	awaiter.SignalShutdown()
	assert.NoError(t, awaiter.AwaitDone())
}

func Test_Shutdown_Awaiter_Done_Timeout(t *testing.T) {
	awaiter := NewShutdownAwaiter()
	assert.Equal(t, ErrWaiterTimeout, awaiter.AwaitDoneTimeout(time.Millisecond*10))
}
