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
	"regexp"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/lo"

	"github.com/hortondb/horton/spi/capture"
)

const (
	// DefaultPrefix is prepended to every managed database object name.
	DefaultPrefix = "horton-meta"

	// DefaultReconciliationFrequency is the reconciler sweep interval.
	DefaultReconciliationFrequency = time.Second * 5

	// DefaultDisconnectGracePeriod is how long in-flight dequeues may finish
	// after a disconnect was requested.
	DefaultDisconnectGracePeriod = time.Second * 5

	// DefaultPulseInterval is the liveness pulse send interval.
	DefaultPulseInterval = time.Second * 10

	// DefaultMaxMissedPulses is the number of missed pulses tolerated before
	// the system is reported unhealthy.
	DefaultMaxMissedPulses = 3
)

// identifierPattern is deliberately conservative: no digits, no uppercase,
// no colons. The queue notification payload is colon-separated, so the
// grammar keeps it unambiguous.
var identifierPattern = regexp.MustCompile(`^[a-z_-]+$`)

// ValidateIdentifier checks a logical object name (prefix, table name, column
// name) against the conservative identifier grammar.
func ValidateIdentifier(
	name string,
) error {

	if !identifierPattern.MatchString(name) {
		return errors.Errorf("identifier '%s' doesn't match the pattern '[a-z_-]+'", name)
	}
	return nil
}

type Config struct {
	PostgreSQL      PostgreSQLConfig               `toml:"postgresql" yaml:"postgresql"`
	TableListeners  map[string]TableListenerConfig `toml:"tablelisteners" yaml:"tablelisteners"`
	EventQueue      EventQueueConfig               `toml:"eventqueue" yaml:"eventqueue"`
	LivenessChecker LivenessCheckerConfig          `toml:"livenesschecker" yaml:"livenesschecker"`
	Filters         map[string]RecordFilterConfig  `toml:"filters" yaml:"filters"`
	Logging         LoggerConfig                   `toml:"logging" yaml:"logging"`
	Stats           StatsConfig                    `toml:"stats" yaml:"stats"`
}

type PostgreSQLConfig struct {
	Connection string `toml:"connection" yaml:"connection"`
	Password   string `toml:"password" yaml:"password"`
	Prefix     string `toml:"prefix" yaml:"prefix"`
}

// TableListenerConfig declares which operations of a source table are
// captured and, optionally, which columns the row images are projected onto.
// A nil RecordColumns captures the whole row, an empty (non-nil) list
// suppresses the payload entirely.
type TableListenerConfig struct {
	Operations    []capture.Operation `toml:"operations" yaml:"operations"`
	RecordColumns *[]string           `toml:"recordcolumns" yaml:"recordcolumns"`
}

type EventQueueConfig struct {
	ReconciliationFrequency time.Duration `toml:"reconciliationfrequency" yaml:"reconciliationfrequency"`
	AbortOnHandlerError     *bool         `toml:"abortonhandlererror" yaml:"abortonhandlererror"`
}

type LivenessCheckerConfig struct {
	PulseInterval   time.Duration `toml:"pulseinterval" yaml:"pulseinterval"`
	MaxMissedPulses int           `toml:"maxmissedpulses" yaml:"maxmissedpulses"`
}

// RecordFilterConfig attaches an expr-lang condition to a source table. Rows
// failing the condition are dequeued but not delivered to handlers.
type RecordFilterConfig struct {
	Condition    string `toml:"condition" yaml:"condition"`
	DefaultValue *bool  `toml:"default" yaml:"default"`
}

type LoggerConfig struct {
	Level   string                     `toml:"level" yaml:"level"`
	Outputs LoggerOutputConfig         `toml:"outputs" yaml:"outputs"`
	Loggers map[string]SubLoggerConfig `toml:"loggers" yaml:"loggers"`
}

type SubLoggerConfig struct {
	Level   *string            `toml:"level" yaml:"level"`
	Outputs LoggerOutputConfig `toml:"outputs" yaml:"outputs"`
}

type LoggerOutputConfig struct {
	Console LoggerConsoleConfig `toml:"console" yaml:"console"`
	File    LoggerFileConfig    `toml:"file" yaml:"file"`
}

type LoggerConsoleConfig struct {
	Enabled *bool `toml:"enabled" yaml:"enabled"`
}

type LoggerFileConfig struct {
	Enabled     *bool   `toml:"enabled" yaml:"enabled"`
	Path        string  `toml:"path" yaml:"path"`
	Rotate      *bool   `toml:"rotate" yaml:"rotate"`
	MaxSize     *string `toml:"maxsize" yaml:"maxsize"`
	MaxDuration *int    `toml:"maxduration" yaml:"maxduration"`
	Compress    bool    `toml:"compress" yaml:"compress"`
}

type StatsConfig struct {
	Enabled *bool  `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
}

// Prefix resolves the configured managed-object prefix or its default.
func (c *Config) Prefix() string {
	if c.PostgreSQL.Prefix == "" {
		return DefaultPrefix
	}
	return c.PostgreSQL.Prefix
}

// ReconciliationFrequency resolves the reconciler interval or its default.
func (c *Config) ReconciliationFrequency() time.Duration {
	if c.EventQueue.ReconciliationFrequency <= 0 {
		return DefaultReconciliationFrequency
	}
	return c.EventQueue.ReconciliationFrequency
}

// AbortOnHandlerError reports whether a handler failure rolls the dequeue
// back instead of being swallowed. Defaults to false, preserving the
// documented delivery contract.
func (c *Config) AbortOnHandlerError() bool {
	return c.EventQueue.AbortOnHandlerError != nil && *c.EventQueue.AbortOnHandlerError
}

// PulseInterval resolves the liveness pulse interval or its default.
func (c *Config) PulseInterval() time.Duration {
	if c.LivenessChecker.PulseInterval <= 0 {
		return DefaultPulseInterval
	}
	return c.LivenessChecker.PulseInterval
}

// MaxMissedPulses resolves the missed-pulse tolerance or its default.
func (c *Config) MaxMissedPulses() int {
	if c.LivenessChecker.MaxMissedPulses <= 0 {
		return DefaultMaxMissedPulses
	}
	return c.LivenessChecker.MaxMissedPulses
}

// Validate fails fast on configuration faults: invalid prefix, invalid table
// or column names, unknown operations, empty operation sets.
func (c *Config) Validate() error {
	if c.PostgreSQL.Connection == "" {
		return errors.Errorf("PostgreSQL connection string required")
	}

	if err := ValidateIdentifier(c.Prefix()); err != nil {
		return err
	}

	for tableName, listener := range c.TableListeners {
		if err := ValidateIdentifier(tableName); err != nil {
			return err
		}

		if len(listener.Operations) == 0 {
			return errors.Errorf("table listener '%s' declares no operations", tableName)
		}

		if invalid, found := lo.Find(listener.Operations, func(op capture.Operation) bool {
			return !capture.IsTriggerOperation(op)
		}); found {
			return errors.Errorf("table listener '%s' declares unknown operation '%s'", tableName, invalid)
		}

		if duplicates := lo.FindDuplicates(listener.Operations); len(duplicates) > 0 {
			return errors.Errorf("table listener '%s' declares operation '%s' twice", tableName, duplicates[0])
		}

		if listener.RecordColumns != nil {
			for _, column := range *listener.RecordColumns {
				if err := ValidateIdentifier(column); err != nil {
					return err
				}
			}
		}
	}

	for tableName := range c.Filters {
		if _, present := c.TableListeners[tableName]; !present {
			return errors.Errorf("filter declared for unknown table listener '%s'", tableName)
		}
	}

	return nil
}
