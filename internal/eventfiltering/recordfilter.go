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
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

// RecordFilter decides whether a dequeued row is delivered to the host's
// handlers. Filtered rows are still removed from the queue.
type RecordFilter interface {
	Evaluate(row *capture.Row) (bool, error)
}

type recordFilterFunc func(row *capture.Row) (bool, error)

func (rff recordFilterFunc) Evaluate(row *capture.Row) (bool, error) {
	return rff(row)
}

var acceptAllFilter recordFilterFunc = func(_ *capture.Row) (bool, error) {
	return true, nil
}

// NewRecordFilter compiles the per-table filter conditions. The expression
// environment exposes table, operation, previous, and current.
func NewRecordFilter(
	filterDefinitions map[string]spiconfig.RecordFilterConfig,
) (RecordFilter, error) {

	if len(filterDefinitions) == 0 {
		return acceptAllFilter, nil
	}

	filters := make(map[string]*recordFilter, len(filterDefinitions))
	for tableName, def := range filterDefinitions {
		defaultValue := true
		if def.DefaultValue != nil {
			defaultValue = *def.DefaultValue
		}

		prog, err := expr.Compile(def.Condition)
		if err != nil {
			return nil, err
		}

		filters[tableName] = &recordFilter{
			defaultValue: defaultValue,
			condition:    def.Condition,
			prog:         prog,
			vm:           &vm.VM{},
		}
	}

	return recordFilterFunc(func(row *capture.Row) (bool, error) {
		filter, found := filters[row.TableName]
		if !found {
			return true, nil
		}
		return filter.evaluate(row)
	}), nil
}

type recordFilter struct {
	defaultValue bool
	condition    string
	prog         *vm.Program
	vm           *vm.VM
}

func (f *recordFilter) evaluate(
	row *capture.Row,
) (bool, error) {

	env := map[string]any{
		"table":     row.TableName,
		"operation": string(row.Operation),
		"previous":  map[string]any(row.PreviousRecord),
		"current":   map[string]any(row.CurrentRecord),
	}

	result, err := f.vm.Run(f.prog, env)
	if err != nil {
		return false, err
	}

	r, ok := result.(bool)
	if !ok {
		return f.defaultValue, nil
	}
	return r, nil
}
