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

package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-errors/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hortondb/horton/internal/logging"
	spiconfig "github.com/hortondb/horton/spi/config"
)

// NameEscaper renders a managed object name safe for literal interpolation
// into SQL, either as an identifier or as a string literal.
type NameEscaper func(name string) string

// EscapeIdentifier quotes a name for use in an identifier position.
func EscapeIdentifier(
	name string,
) string {

	return pgx.Identifier{name}.Sanitize()
}

// EscapeLiteral quotes a name for use in a string literal position.
func EscapeLiteral(
	name string,
) string {

	return fmt.Sprintf("'%s'", strings.ReplaceAll(name, "'", "''"))
}

// Gateway wraps the driver's connection pool. It is the single boundary all
// identifier escaping and object-name prefixing flows through.
type Gateway interface {
	// Connect opens the connection pool. Calling it on a connected gateway
	// is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the pool, waiting for borrowed connections to drain.
	// Calling it on a disconnected gateway is a no-op.
	Disconnect() error

	// WithTransaction borrows one connection, begins a transaction, runs fn
	// with it, and commits on nil return or rolls back on error. The
	// connection is always released.
	WithTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error

	// AcquireClient borrows a dedicated long-lived connection, used for the
	// asynchronous notification channel. The caller owns its release.
	AcquireClient(ctx context.Context) (*pgxpool.Conn, error)

	// PrefixName returns "<prefix>__<logicalName>", optionally passed
	// through an escaper. Both parts must match the identifier grammar.
	PrefixName(logicalName string, escaper NameEscaper) (string, error)

	// Prefix returns the configured managed-object prefix.
	Prefix() string
}

type gateway struct {
	logger     *logging.Logger
	poolConfig *pgxpool.Config
	prefix     string

	mutex sync.Mutex
	pool  *pgxpool.Pool
}

func NewGateway(
	config *spiconfig.Config,
) (Gateway, error) {

	logger, err := logging.NewLogger("DatabaseGateway")
	if err != nil {
		return nil, err
	}

	prefix := config.Prefix()
	if err := spiconfig.ValidateIdentifier(prefix); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.PostgreSQL.Connection)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	if config.PostgreSQL.Password != "" {
		poolConfig.ConnConfig.Password = config.PostgreSQL.Password
	}

	return &gateway{
		logger:     logger,
		poolConfig: poolConfig,
		prefix:     prefix,
	}, nil
}

func (g *gateway) Connect(
	ctx context.Context,
) error {

	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.pool != nil {
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, g.poolConfig)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.Wrap(err, 0)
	}

	g.pool = pool
	g.logger.Infof("Connected to %s", g.poolConfig.ConnConfig.Host)
	return nil
}

func (g *gateway) Disconnect() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.pool == nil {
		return nil
	}

	g.pool.Close()
	g.pool = nil
	g.logger.Infof("Disconnected from %s", g.poolConfig.ConnConfig.Host)
	return nil
}

func (g *gateway) WithTransaction(
	ctx context.Context, fn func(tx pgx.Tx) error,
) error {

	pool, err := g.connectedPool()
	if err != nil {
		return err
	}

	connection, err := pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	defer connection.Release()

	tx, err := connection.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, 0)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			g.logger.Errorf("transaction rollback failed: %s", rollbackErr.Error())
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (g *gateway) AcquireClient(
	ctx context.Context,
) (*pgxpool.Conn, error) {

	pool, err := g.connectedPool()
	if err != nil {
		return nil, err
	}

	connection, err := pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return connection, nil
}

func (g *gateway) PrefixName(
	logicalName string, escaper NameEscaper,
) (string, error) {

	if err := spiconfig.ValidateIdentifier(logicalName); err != nil {
		return "", err
	}

	prefixed := fmt.Sprintf("%s__%s", g.prefix, logicalName)
	if escaper != nil {
		prefixed = escaper(prefixed)
	}
	return prefixed, nil
}

func (g *gateway) Prefix() string {
	return g.prefix
}

func (g *gateway) connectedPool() (*pgxpool.Pool, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.pool == nil {
		return nil, errors.Errorf("gateway isn't connected")
	}
	return g.pool, nil
}
