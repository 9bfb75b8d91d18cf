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

package eventfiltering

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

func Test_Filter_Condition_On_Current_Record(t *testing.T) {
	filter, err := NewRecordFilter(map[string]spiconfig.RecordFilterConfig{
		"test_table": {Condition: `current.age > 18`},
	})
	assert.NoError(t, err)

	accepted, err := filter.Evaluate(&capture.Row{
		TableName:     "test_table",
		Operation:     capture.OperationInsert,
		CurrentRecord: capture.Record{"age": 20},
	})
	assert.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = filter.Evaluate(&capture.Row{
		TableName:     "test_table",
		Operation:     capture.OperationInsert,
		CurrentRecord: capture.Record{"age": 12},
	})
	assert.NoError(t, err)
	assert.False(t, accepted)
}

func Test_Filter_Only_Applies_To_Its_Table(t *testing.T) {
	filter, err := NewRecordFilter(map[string]spiconfig.RecordFilterConfig{
		"test_table": {Condition: `false`},
	})
	assert.NoError(t, err)

	accepted, err := filter.Evaluate(&capture.Row{
		TableName:     "other_table",
		Operation:     capture.OperationDelete,
		CurrentRecord: capture.Record{},
	})
	assert.NoError(t, err)
	assert.True(t, accepted)
}

func Test_Filter_Non_Boolean_Result_Uses_Default(t *testing.T) {
	defaultValue := false
	filter, err := NewRecordFilter(map[string]spiconfig.RecordFilterConfig{
		"test_table": {Condition: `operation`, DefaultValue: &defaultValue},
	})
	assert.NoError(t, err)

	accepted, err := filter.Evaluate(&capture.Row{
		TableName: "test_table",
		Operation: capture.OperationUpdate,
	})
	assert.NoError(t, err)
	assert.False(t, accepted)
}

func Test_Filter_Without_Definitions_Accepts_All(t *testing.T) {
	filter, err := NewRecordFilter(nil)
	assert.NoError(t, err)

	accepted, err := filter.Evaluate(&capture.Row{TableName: "anything"})
	assert.NoError(t, err)
	assert.True(t, accepted)
}

func Test_Filter_Rejects_Broken_Condition(t *testing.T) {
	_, err := NewRecordFilter(map[string]spiconfig.RecordFilterConfig{
		"test_table": {Condition: `current.age >`},
	})
	assert.Error(t, err)
}
