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

package stats

import (
	"context"
	"net/http"

	"github.com/go-errors/errors"
	"github.com/segmentio/stats/v4"
	"github.com/segmentio/stats/v4/prometheus"

	spiconfig "github.com/hortondb/horton/spi/config"
)

const defaultAddress = ":8081"

// Service exposes the collected metrics on a prometheus scrape endpoint.
// When disabled, reporters degrade to no-ops.
type Service struct {
	statsEnabled bool
	handler      *prometheus.Handler
	engine       *stats.Engine
	server       *http.Server
}

func NewStatsService(
	c *spiconfig.Config,
) *Service {

	statsHandler := &prometheus.Handler{
		TrimPrefix: "horton",
	}

	statsEnabled := c.Stats.Enabled != nil && *c.Stats.Enabled

	address := c.Stats.Address
	if address == "" {
		address = defaultAddress
	}

	engine := stats.NewEngine("horton", statsHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", statsHandler.ServeHTTP)

	return &Service{
		statsEnabled: statsEnabled,
		handler:      statsHandler,
		engine:       engine,
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
	}
}

func (s *Service) Start() error {
	if s.statsEnabled {
		go func() {
			err := s.server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				panic(err)
			}
		}()
	}
	return nil
}

func (s *Service) Stop() error {
	if !s.statsEnabled {
		return nil
	}
	return s.server.Shutdown(context.Background())
}

func (s *Service) NewReporter(
	prefix string,
) *Reporter {

	return &Reporter{
		statsEnabled: s.statsEnabled,
		engine:       s.engine.WithPrefix(prefix),
	}
}

// Reporter is a named slice of the stats engine handed to one component.
type Reporter struct {
	statsEnabled bool
	engine       *stats.Engine
}

func (r *Reporter) Incr(
	name string,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Incr(name)
}

func (r *Reporter) Set(
	name string, value float64,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Set(name, value)
}

func (r *Reporter) Observe(
	name string, value float64,
) {

	if r == nil || !r.statsEnabled {
		return
	}
	r.engine.Observe(name, value)
}
