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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hortondb/horton/spi/capture"
)

func Test_Identifier_Grammar(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("horton-meta"))
	assert.NoError(t, ValidateIdentifier("test_table"))
	assert.NoError(t, ValidateIdentifier("a"))

	assert.Error(t, ValidateIdentifier(""))
	assert.Error(t, ValidateIdentifier("Table"))
	assert.Error(t, ValidateIdentifier("table1"))
	assert.Error(t, ValidateIdentifier("foo:bar"))
	assert.Error(t, ValidateIdentifier("foo bar"))
	assert.Error(t, ValidateIdentifier("foo;drop"))
}

func Test_Config_Defaults(t *testing.T) {
	config := &Config{
		PostgreSQL: PostgreSQLConfig{Connection: "postgres://localhost/postgres"},
	}

	assert.Equal(t, "horton-meta", config.Prefix())
	assert.Equal(t, time.Second*5, config.ReconciliationFrequency())
	assert.Equal(t, time.Second*10, config.PulseInterval())
	assert.Equal(t, 3, config.MaxMissedPulses())
	assert.Equal(t, false, config.AbortOnHandlerError())
}

func Test_Config_Overrides(t *testing.T) {
	abort := true
	config := &Config{
		PostgreSQL: PostgreSQLConfig{
			Connection: "postgres://localhost/postgres",
			Prefix:     "cdc_meta",
		},
		EventQueue: EventQueueConfig{
			ReconciliationFrequency: time.Second,
			AbortOnHandlerError:     &abort,
		},
		LivenessChecker: LivenessCheckerConfig{
			PulseInterval:   time.Second * 2,
			MaxMissedPulses: 5,
		},
	}

	assert.Equal(t, "cdc_meta", config.Prefix())
	assert.Equal(t, time.Second, config.ReconciliationFrequency())
	assert.Equal(t, time.Second*2, config.PulseInterval())
	assert.Equal(t, 5, config.MaxMissedPulses())
	assert.Equal(t, true, config.AbortOnHandlerError())
}

func Test_Config_Validate_Faults(t *testing.T) {
	base := func() *Config {
		return &Config{
			PostgreSQL: PostgreSQLConfig{Connection: "postgres://localhost/postgres"},
			TableListeners: map[string]TableListenerConfig{
				"test_table": {Operations: []capture.Operation{capture.OperationInsert}},
			},
		}
	}

	config := base()
	assert.NoError(t, config.Validate())

	config = base()
	config.PostgreSQL.Connection = ""
	assert.Error(t, config.Validate())

	config = base()
	config.PostgreSQL.Prefix = "Horton1"
	assert.Error(t, config.Validate())

	config = base()
	config.TableListeners["Bad.Table"] = TableListenerConfig{
		Operations: []capture.Operation{capture.OperationInsert},
	}
	assert.Error(t, config.Validate())

	config = base()
	config.TableListeners["test_table"] = TableListenerConfig{}
	assert.Error(t, config.Validate())

	config = base()
	config.TableListeners["test_table"] = TableListenerConfig{
		Operations: []capture.Operation{"TRUNCATE"},
	}
	assert.Error(t, config.Validate())

	config = base()
	config.TableListeners["test_table"] = TableListenerConfig{
		Operations: []capture.Operation{capture.OperationInsert, capture.OperationInsert},
	}
	assert.Error(t, config.Validate())

	config = base()
	columns := []string{"name", "Age"}
	config.TableListeners["test_table"] = TableListenerConfig{
		Operations:    []capture.Operation{capture.OperationUpdate},
		RecordColumns: &columns,
	}
	assert.Error(t, config.Validate())

	config = base()
	config.Filters = map[string]RecordFilterConfig{
		"unknown_table": {Condition: "true"},
	}
	assert.Error(t, config.Validate())
}

func Test_Config_Unmarshall_Toml(t *testing.T) {
	content := `
[postgresql]
connection = "postgres://localhost/postgres"
prefix = "cdc_meta"

[tablelisteners.test_table]
operations = ["INSERT", "UPDATE"]
recordcolumns = ["name"]

[eventqueue]
reconciliationfrequency = 1000000000
`

	config := &Config{}
	assert.NoError(t, Unmarshall([]byte(content), config, true))
	assert.Equal(t, "cdc_meta", config.Prefix())
	assert.Equal(t, time.Second, config.ReconciliationFrequency())

	listener := config.TableListeners["test_table"]
	assert.Equal(t,
		[]capture.Operation{capture.OperationInsert, capture.OperationUpdate},
		listener.Operations,
	)
	assert.NotNil(t, listener.RecordColumns)
	assert.Equal(t, []string{"name"}, *listener.RecordColumns)
}

func Test_Config_Unmarshall_Yaml(t *testing.T) {
	content := `
postgresql:
  connection: postgres://localhost/postgres
tablelisteners:
  test_table:
    operations: [DELETE]
`

	config := &Config{}
	assert.NoError(t, Unmarshall([]byte(content), config, false))
	assert.Equal(t, "horton-meta", config.Prefix())
	assert.Equal(t,
		[]capture.Operation{capture.OperationDelete},
		config.TableListeners["test_table"].Operations,
	)
	assert.Nil(t, config.TableListeners["test_table"].RecordColumns)
}
