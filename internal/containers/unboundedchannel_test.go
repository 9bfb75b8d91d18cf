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

package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Unbounded_Channel_Preserves_Order(t *testing.T) {
	channel := MakeUnboundedChannel[int](4)

	for i := 0; i < 100; i++ {
		channel.Send(i)
	}
	channel.Close()

	received := make([]int, 0, 100)
	for value := range channel.ReceiveChannel() {
		received = append(received, value)
	}

	assert.Len(t, received, 100)
	for i, value := range received {
		assert.Equal(t, i, value)
	}
}

func Test_Unbounded_Channel_Send_Never_Blocks(t *testing.T) {
	channel := MakeUnboundedChannel[int](1)

	// No consumer attached; sends beyond the initial capacity must still
	// return
	for i := 0; i < 10_000; i++ {
		channel.Send(i)
	}
	channel.Close()

	count := 0
	for range channel.ReceiveChannel() {
		count++
	}
	assert.Equal(t, 10_000, count)
}
