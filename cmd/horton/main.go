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

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/urfave/cli"

	"github.com/hortondb/horton"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/internal/supporting"
	"github.com/hortondb/horton/internal/version"
	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

var (
	configurationFile string
	verbose           bool
	withCaller        bool
	logToStdErr       bool
	versionOnly       bool
	skipInitialize    bool
)

func main() {
	app := &cli.App{
		Name:  "horton",
		Usage: "Trigger-based CDC (Change Data Capture) for PostgreSQL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config,c",
				Value:       "",
				Usage:       "Load configuration from `FILE`",
				Destination: &configurationFile,
			},
			&cli.BoolFlag{
				Name:        "verbose",
				Usage:       "Show verbose output",
				Destination: &verbose,
			},
			&cli.BoolFlag{
				Name:        "caller",
				Usage:       "Collect caller information for log messages",
				Destination: &withCaller,
			},
			&cli.BoolFlag{
				Name:        "log-to-stderr",
				Usage:       "Redirects logging output to stderr, keeping stdout for captured events",
				Destination: &logToStdErr,
			},
			&cli.BoolFlag{
				Name:        "version",
				Usage:       "Prints the version and exits",
				Destination: &versionOnly,
			},
			&cli.BoolFlag{
				Name:        "skip-initialize",
				Usage:       "Don't create the queue objects, expect them to exist",
				Destination: &skipInitialize,
			},
		},
		Action: start,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(*cli.Context) error {
	fmt.Printf("%s version %s (git revision %s; branch %s)\n",
		version.BinName, version.Version, version.CommitHash, version.Branch,
	)

	if versionOnly {
		return nil
	}

	logging.WithCaller = withCaller
	logging.WithVerbose = verbose

	config := &spiconfig.Config{}

	// No configuration file set? Try env variable!
	if configurationFile == "" {
		if cf, present := os.LookupEnv("HORTON_CONFIG"); present {
			fmt.Fprintf(os.Stderr, "Using configuration file from environment variable\n")
			configurationFile = cf
		}
	}

	if configurationFile != "" {
		fmt.Fprintf(os.Stderr, "Loading configuration file: %s\n", configurationFile)
		f, err := os.Open(configurationFile)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("Configuration file couldn't be opened: %v\n", err), 3)
		}

		b, err := io.ReadAll(f)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("Configuration file couldn't be read: %v\n", err), 4)
		}

		tomlConfig := filepath.Ext(strings.ToLower(configurationFile)) == ".toml"
		if err := spiconfig.Unmarshall(b, config, tomlConfig); err != nil {
			return cli.NewExitError(fmt.Sprintf("Configuration file couldn't be decoded: %v\n", err), 5)
		}
	}

	if err := logging.InitializeLogging(config, logToStdErr); err != nil {
		return supporting.AdaptError(err, 1)
	}

	dispatcher, err := horton.NewDispatcher(config)
	if err != nil {
		return supporting.AdaptErrorWithMessage(err, "Dispatcher couldn't be created", 6)
	}

	encoder := json.NewEncoder(os.Stdout)
	for tableName := range config.TableListeners {
		dispatcher.On(capture.WildcardEventKey(tableName), func(payload any) error {
			return encoder.Encode(payload)
		})
	}

	done := make(chan bool, 1)
	dispatcher.On(capture.HealthEventKey(capture.HealthStateDead), func(any) error {
		done <- true
		return nil
	})

	if err := dispatcher.Connect(context.Background(), !skipInitialize); err != nil {
		return supporting.AdaptErrorWithMessage(err, "Dispatcher couldn't connect", 7)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
	case <-done:
	}

	return supporting.AdaptError(dispatcher.Disconnect(spiconfig.DefaultDisconnectGracePeriod), 2)
}
