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
	"context"
	"fmt"
	"strings"

	"github.com/go-errors/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/lo"

	"github.com/hortondb/horton/internal/gateway"
	"github.com/hortondb/horton/internal/logging"
	"github.com/hortondb/horton/spi/capture"
	spiconfig "github.com/hortondb/horton/spi/config"
)

const findListenerTriggersQuery = `
SELECT trigger_name, event_object_table, event_manipulation
FROM information_schema.triggers
WHERE trigger_name LIKE $1 ESCAPE '\'`

const createListenerTriggerFunctionQuery = `
CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
DECLARE
    previous_record jsonb;
    current_record jsonb;
BEGIN
%s
    INSERT INTO %s (table_name, operation, previous_record, current_record, queued_at)
    VALUES (%s, TG_OP, previous_record, current_record, clock_timestamp());
    RETURN NULL;
EXCEPTION WHEN unique_violation THEN
    RAISE NOTICE 'change on table %s already queued, skipping';
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`

const dropListenerTriggerQuery = "DROP TRIGGER IF EXISTS %s ON %s"

const dropListenerTriggerFunctionQuery = "DROP FUNCTION IF EXISTS %s()"

const createListenerTriggerQuery = `
CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE PROCEDURE %s()`

// InstalledTrigger describes one discovered listener trigger, keyed by its
// source table, with the operations it binds to.
type InstalledTrigger struct {
	TableName  string
	Operations []capture.Operation
}

// Installer creates and removes the per-source-table trigger and
// trigger-function pairs that feed the event queue.
type Installer interface {
	// CreateListenerTrigger installs (or idempotently re-installs) the
	// trigger pair for one source table.
	CreateListenerTrigger(ctx context.Context, tableName string, listener spiconfig.TableListenerConfig) error

	// FindListenerTriggers discovers installed listener triggers from the
	// catalogue, grouped by source table.
	FindListenerTriggers(ctx context.Context) ([]InstalledTrigger, error)

	// DropListenerTrigger removes the trigger pair of one source table.
	DropListenerTrigger(ctx context.Context, tableName string) error

	// Teardown discovers and drops every installed listener trigger in one
	// transaction.
	Teardown(ctx context.Context) error
}

type installer struct {
	logger  *logging.Logger
	gateway gateway.Gateway

	queueTableName    string
	triggerNamePrefix string
}

func NewInstaller(
	g gateway.Gateway, queueTableName string,
) (Installer, error) {

	logger, err := logging.NewLogger("TriggerInstaller")
	if err != nil {
		return nil, err
	}

	triggerNamePrefix, err := g.PrefixName("listener_trigger", nil)
	if err != nil {
		return nil, err
	}

	return &installer{
		logger:            logger,
		gateway:           g,
		queueTableName:    queueTableName,
		triggerNamePrefix: triggerNamePrefix,
	}, nil
}

func (i *installer) CreateListenerTrigger(
	ctx context.Context, tableName string, listener spiconfig.TableListenerConfig,
) error {

	if len(listener.Operations) == 0 {
		return errors.Errorf("table listener '%s' declares no operations", tableName)
	}

	for _, op := range listener.Operations {
		if !capture.IsTriggerOperation(op) {
			return errors.Errorf("table listener '%s' declares unknown operation '%s'", tableName, op)
		}
	}

	triggerName, functionName, err := i.triggerNames(tableName)
	if err != nil {
		return err
	}

	projection, err := projectionBody(listener.RecordColumns)
	if err != nil {
		return err
	}

	createFunction := fmt.Sprintf(
		createListenerTriggerFunctionQuery,
		gateway.EscapeIdentifier(functionName),
		projection,
		i.queueTableName,
		gateway.EscapeLiteral(tableName),
		tableName,
	)

	// Bind the trigger to the union of the requested operations, in
	// canonical order
	operations := lo.Filter(capture.TriggerOperations, func(op capture.Operation, _ int) bool {
		return lo.Contains(listener.Operations, op)
	})
	operationList := strings.Join(lo.Map(operations, func(op capture.Operation, _ int) string {
		return string(op)
	}), " OR ")

	return i.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createFunction); err != nil {
			return errors.Wrap(err, 0)
		}

		dropTrigger := fmt.Sprintf(
			dropListenerTriggerQuery,
			gateway.EscapeIdentifier(triggerName),
			gateway.EscapeIdentifier(tableName),
		)
		if _, err := tx.Exec(ctx, dropTrigger); err != nil {
			return errors.Wrap(err, 0)
		}

		createTrigger := fmt.Sprintf(
			createListenerTriggerQuery,
			gateway.EscapeIdentifier(triggerName),
			operationList,
			gateway.EscapeIdentifier(tableName),
			gateway.EscapeIdentifier(functionName),
		)
		if _, err := tx.Exec(ctx, createTrigger); err != nil {
			return errors.Wrap(err, 0)
		}

		i.logger.Infof("Installed listener trigger for table %s (%s)", tableName, operationList)
		return nil
	})
}

func (i *installer) FindListenerTriggers(
	ctx context.Context,
) ([]InstalledTrigger, error) {

	var installed []InstalledTrigger
	if err := i.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		found, err := i.findListenerTriggers(ctx, tx)
		if err != nil {
			return err
		}
		installed = found
		return nil
	}); err != nil {
		return nil, err
	}
	return installed, nil
}

func (i *installer) DropListenerTrigger(
	ctx context.Context, tableName string,
) error {

	return i.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		return i.dropListenerTrigger(ctx, tx, tableName)
	})
}

func (i *installer) Teardown(
	ctx context.Context,
) error {

	return i.gateway.WithTransaction(ctx, func(tx pgx.Tx) error {
		installed, err := i.findListenerTriggers(ctx, tx)
		if err != nil {
			return err
		}

		for _, trigger := range installed {
			if err := i.dropListenerTrigger(ctx, tx, trigger.TableName); err != nil {
				return err
			}
		}
		return nil
	})
}

func (i *installer) findListenerTriggers(
	ctx context.Context, tx pgx.Tx,
) ([]InstalledTrigger, error) {

	pattern := strings.ReplaceAll(i.triggerNamePrefix, "_", `\_`) + "\\_%"
	rows, err := tx.Query(ctx, findListenerTriggersQuery, pattern)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	defer rows.Close()

	operationsByTable := make(map[string][]capture.Operation)
	for rows.Next() {
		var triggerName, tableName, operation string
		if err := rows.Scan(&triggerName, &tableName, &operation); err != nil {
			return nil, errors.Wrap(err, 0)
		}
		operationsByTable[tableName] = append(
			operationsByTable[tableName], capture.Operation(operation),
		)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, 0)
	}

	installed := make([]InstalledTrigger, 0, len(operationsByTable))
	for tableName, operations := range operationsByTable {
		installed = append(installed, InstalledTrigger{
			TableName:  tableName,
			Operations: lo.Uniq(operations),
		})
	}
	return installed, nil
}

func (i *installer) dropListenerTrigger(
	ctx context.Context, tx pgx.Tx, tableName string,
) error {

	triggerName, functionName, err := i.triggerNames(tableName)
	if err != nil {
		return err
	}

	dropTrigger := fmt.Sprintf(
		dropListenerTriggerQuery,
		gateway.EscapeIdentifier(triggerName),
		gateway.EscapeIdentifier(tableName),
	)
	if _, err := tx.Exec(ctx, dropTrigger); err != nil {
		if e, ok := err.(*pgconn.PgError); !ok || e.Code != pgerrcode.UndefinedTable {
			return errors.Wrap(err, 0)
		}
		// Source table already dropped, only the function is left
	}

	dropFunction := fmt.Sprintf(
		dropListenerTriggerFunctionQuery,
		gateway.EscapeIdentifier(functionName),
	)
	if _, err := tx.Exec(ctx, dropFunction); err != nil {
		return errors.Wrap(err, 0)
	}

	i.logger.Infof("Dropped listener trigger for table %s", tableName)
	return nil
}

func (i *installer) triggerNames(
	tableName string,
) (triggerName, functionName string, err error) {

	triggerName, err = i.gateway.PrefixName(fmt.Sprintf("listener_trigger_%s", tableName), nil)
	if err != nil {
		return "", "", err
	}
	functionName = fmt.Sprintf("%s_fn", triggerName)
	return triggerName, functionName, nil
}

// projectionBody renders the plpgsql assignments computing the previous and
// current record per the projection rule: nil columns captures the whole
// row, an empty list no payload, a non-empty list a keyed record of exactly
// those columns in order.
func projectionBody(
	recordColumns *[]string,
) (string, error) {

	if recordColumns == nil {
		return strings.TrimRight(`
    IF (TG_OP = 'INSERT') THEN
        current_record = to_jsonb(NEW);
    ELSIF (TG_OP = 'UPDATE') THEN
        previous_record = to_jsonb(OLD);
        current_record = to_jsonb(NEW);
    ELSE
        previous_record = to_jsonb(OLD);
        current_record = to_jsonb(OLD);
    END IF;`, " \n"), nil
	}

	if len(*recordColumns) == 0 {
		return "    -- payload suppressed by the listener configuration", nil
	}

	buildRecord := func(source string) (string, error) {
		pairs := make([]string, 0, len(*recordColumns))
		for _, column := range *recordColumns {
			if err := spiconfig.ValidateIdentifier(column); err != nil {
				return "", err
			}
			pairs = append(pairs, fmt.Sprintf(
				"%s, %s.%s", gateway.EscapeLiteral(column), source, gateway.EscapeIdentifier(column),
			))
		}
		return fmt.Sprintf("jsonb_build_object(%s)", strings.Join(pairs, ", ")), nil
	}

	fromNew, err := buildRecord("NEW")
	if err != nil {
		return "", err
	}
	fromOld, err := buildRecord("OLD")
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(strings.TrimRight(`
    IF (TG_OP = 'INSERT') THEN
        current_record = %[1]s;
    ELSIF (TG_OP = 'UPDATE') THEN
        previous_record = %[2]s;
        current_record = %[1]s;
    ELSE
        previous_record = %[2]s;
        current_record = %[2]s;
    END IF;`, " \n"), fromNew, fromOld), nil
}
