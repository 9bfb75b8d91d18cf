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

package triggers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Projection_Whole_Row(t *testing.T) {
	body, err := projectionBody(nil)
	assert.NoError(t, err)
	assert.Contains(t, body, "current_record = to_jsonb(NEW);")
	assert.Contains(t, body, "previous_record = to_jsonb(OLD);")
	assert.Contains(t, body, "current_record = to_jsonb(OLD);")
}

func Test_Projection_Suppressed_Payload(t *testing.T) {
	columns := []string{}
	body, err := projectionBody(&columns)
	assert.NoError(t, err)
	assert.NotContains(t, body, "to_jsonb")
	assert.NotContains(t, body, "jsonb_build_object")
}

func Test_Projection_Column_Whitelist_Preserves_Order(t *testing.T) {
	columns := []string{"name", "age"}
	body, err := projectionBody(&columns)
	assert.NoError(t, err)

	assert.Contains(t, body, `jsonb_build_object('name', NEW."name", 'age', NEW."age")`)
	assert.Contains(t, body, `jsonb_build_object('name', OLD."name", 'age', OLD."age")`)
	assert.NotContains(t, body, "to_jsonb")
	assert.True(t,
		strings.Index(body, `'name', NEW."name"`) < strings.Index(body, `'age', NEW."age"`),
	)
}

func Test_Projection_Rejects_Invalid_Column(t *testing.T) {
	columns := []string{`evil"); drop table x; --`}
	_, err := projectionBody(&columns)
	assert.Error(t, err)

	columns = []string{"Name"}
	_, err = projectionBody(&columns)
	assert.Error(t, err)
}
