/*
 * Copyright (C) 2024 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not
 * use this file except in compliance with the License. You may obtain a copy of
 * the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
 * WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
 * License for the specific language governing permissions and limitations under
 * the License.
 */

// Package cli runs SQL statements against a Spanner database from the
// command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/alecthomas/kong"
	"github.com/cloudspannerecosystem/spannerlib/connection"
	otelgo "github.com/cloudspannerecosystem/spannerlib/otel"
	"github.com/cloudspannerecosystem/spannerlib/resultstream"
	"github.com/cloudspannerecosystem/spannerlib/utilities"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v2"
)

const defaultConfigFile = "config.yaml"

var (
	appFs          = afero.NewOsFs()
	openConnection = connection.Open
	accessSecret   = accessSecretVersion
)

type runConfig struct {
	SQL         []string      `arg:"" optional:"" name:"sql" help:"SQL statements to run"`
	Version     bool          `help:"Show current version" short:"v" default:"false"`
	Config      string        `help:"YAML configuration file" short:"f" default:"config.yaml" env:"CONFIG_FILE"`
	DSN         string        `name:"dsn" help:"Connection string, overrides the database of the configuration file" env:"SPANNER_DSN"`
	ReadWrite   bool          `name:"read-write" help:"Run queries in read-write transactions" short:"w"`
	Transaction bool          `name:"transaction" help:"Run all statements in a single read-write transaction" short:"t"`
	Staleness   time.Duration `name:"staleness" help:"Read at a timestamp this far in the past"`
	Tag         string        `name:"tag" help:"Request or transaction tag"`
	LogLevel    string        `name:"log-level" help:"Log level configuration." default:"info" env:"LOG_LEVEL"`
}

// Run runs the command. args shouldn't include the executable (i.e.
// os.Args[1:]). It returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cfg runConfig
	parser, err := kong.New(&cfg, kong.Name("spannerlib"), kong.Writers(stdout, stderr))
	if err != nil {
		panic(err)
	}
	if _, err = parser.Parse(args); err != nil {
		parser.Errorf("error parsing flags: %v", err)
		return 1
	}
	if cfg.Version {
		fmt.Fprintln(stdout, "Version - "+connection.Version)
		return 0
	}

	switch cfg.LogLevel {
	case "info", "debug", "error", "warn":
	default:
		parser.Errorf("invalid log-level should be [info/debug/error/warn]")
		return 1
	}

	userConfig := &UserConfig{}
	if exists, _ := afero.Exists(appFs, cfg.Config); exists {
		if userConfig, err = LoadConfig(appFs, cfg.Config); err != nil {
			parser.Errorf("could not read configuration file %s: %v", cfg.Config, err)
			return 1
		}
	} else if cfg.Config != defaultConfigFile {
		parser.Errorf("configuration file %s does not exist", cfg.Config)
		return 1
	}
	if cfg.DSN != "" {
		userConfig.Database = cfg.DSN
	}
	if err := ValidateAndApplyDefaults(userConfig); err != nil {
		parser.Errorf("%v", err)
		return 1
	}
	if len(cfg.SQL) == 0 {
		parser.Errorf("no SQL statements given")
		return 1
	}

	logger, err := utilities.SetupLogger(cfg.LogLevel, userConfig.LoggerConfig)
	if err != nil {
		parser.Errorf("unable to create logger: %v", err)
		return 1
	}
	defer logger.Sync()
	logger.Debug("Configuration - ", zap.Any("UserConfig", userConfig))

	connCfg, shutdown, err := connectionConfig(ctx, userConfig, logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	conn, err := openConnection(ctx, connCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	if cfg.Transaction {
		err = runTransaction(ctx, conn, cfg, stdout)
	} else {
		err = runStatements(ctx, conn, cfg, stdout)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func connectionConfig(ctx context.Context, uc *UserConfig, logger *zap.Logger) (connection.Config, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	cfg, err := connection.ConfigFromDSN(uc.Database)
	if err != nil {
		return cfg, noop, err
	}
	if uc.Endpoint != "" {
		cfg.Transport.Endpoint = uc.Endpoint
	}
	if uc.CredentialsFile != "" {
		cfg.Transport.CredentialsFile = uc.CredentialsFile
	}
	if uc.CredentialsSecret != "" {
		if cfg.Transport.CredentialsJSON, err = accessSecret(ctx, uc.CredentialsSecret); err != nil {
			return cfg, noop, fmt.Errorf("failed to read credentials secret: %w", err)
		}
	}
	cfg.Transport.UsePlainText = cfg.Transport.UsePlainText || uc.UsePlainText
	if uc.NumChannels > 0 {
		cfg.Transport.NumChannels = uc.NumChannels
	}
	dsnSession := cfg.Session
	cfg.Session = uc.Session
	if cfg.Session.MinSessions == 0 {
		cfg.Session.MinSessions = dsnSession.MinSessions
	}
	if cfg.Session.MaxSessions == 0 {
		cfg.Session.MaxSessions = dsnSession.MaxSessions
	}
	if uc.Transaction.MaxAttempts > 0 {
		cfg.MaxAttempts = uc.Transaction.MaxAttempts
	}
	cfg.ExplicitBegin = cfg.ExplicitBegin || uc.Transaction.ExplicitBegin
	cfg.Logger = logger

	if uc.Otel == nil || !uc.Otel.Enabled {
		return cfg, noop, nil
	}
	dsn, _ := utilities.ParseDSN(uc.Database)
	telemetry, shutdown, err := otelgo.NewOpenTelemetry(ctx, &otelgo.OTelConfig{
		OTELEnabled:        true,
		TraceEnabled:       uc.Otel.Traces.Enabled,
		MetricEnabled:      uc.Otel.Metrics.Enabled,
		TracerEndpoint:     uc.Otel.Traces.Endpoint,
		MetricEndpoint:     uc.Otel.Metrics.Endpoint,
		TraceSampleRatio:   uc.Otel.Traces.SamplingRatio,
		ServiceName:        uc.Otel.ServiceName,
		ServiceVersion:     connection.Version,
		HealthCheckEnabled: uc.Otel.HealthCheck.Enabled,
		HealthCheckEp:      uc.Otel.HealthCheck.Endpoint,
		Instance:           dsn.Instance,
		Database:           dsn.Database,
	}, logger)
	if err != nil {
		return cfg, noop, err
	}
	cfg.Telemetry = telemetry
	return cfg, shutdown, nil
}

func accessSecretVersion(ctx context.Context, name string) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}

func runStatements(ctx context.Context, conn *connection.Connection, cfg runConfig, out io.Writer) error {
	var opts []connection.ExecuteOption
	if cfg.ReadWrite {
		opts = append(opts, connection.WithReadWrite())
	}
	if cfg.Staleness > 0 {
		opts = append(opts, connection.WithExactStaleness(cfg.Staleness))
	}
	if cfg.Tag != "" {
		opts = append(opts, connection.WithRequestTag(cfg.Tag))
	}
	for _, sql := range cfg.SQL {
		it, err := conn.Execute(ctx, sql, nil, opts...)
		if err != nil {
			return err
		}
		var rows []yaml.MapSlice
		if err := it.Do(func(row *resultstream.Row) error {
			rows = append(rows, printable(row))
			return nil
		}); err != nil {
			return err
		}
		if err := write(out, rows, it.RowCount); err != nil {
			return err
		}
	}
	return nil
}

func runTransaction(ctx context.Context, conn *connection.Connection, cfg runConfig, out io.Writer) error {
	var opts []connection.TxOption
	if cfg.Tag != "" {
		opts = append(opts, connection.WithTransactionTag(cfg.Tag))
	}
	type result struct {
		rows     []yaml.MapSlice
		rowCount func() (int64, bool)
	}
	var results []result
	res, err := conn.RunTransaction(ctx, func(ctx context.Context, tx *connection.Tx) error {
		results = results[:0]
		for _, sql := range cfg.SQL {
			stream, err := tx.Query(ctx, sql, nil)
			if err != nil {
				return err
			}
			var rows []yaml.MapSlice
			for {
				row, err := stream.Next()
				if errors.Is(err, iterator.Done) {
					break
				}
				if err != nil {
					return err
				}
				rows = append(rows, printable(row))
			}
			results = append(results, result{rows: rows, rowCount: stream.RowCount})
		}
		return nil
	}, opts...)
	if err != nil {
		return err
	}
	conn.Logger().Debug("transaction committed", zap.Int("attempts", res.Attempts), zap.Time("commitTimestamp", res.CommitTimestamp))
	for _, r := range results {
		if err := write(out, r.rows, r.rowCount); err != nil {
			return err
		}
	}
	return nil
}

// write prints the rows of a query, or the row count of a DML statement.
func write(out io.Writer, rows []yaml.MapSlice, rowCount func() (int64, bool)) error {
	var v interface{} = rows
	if n, ok := rowCount(); ok && len(rows) == 0 {
		v = yaml.MapSlice{{Key: "rowCount", Value: n}}
	} else if rows == nil {
		v = []yaml.MapSlice{}
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

func printable(row *resultstream.Row) yaml.MapSlice {
	fields := row.Fields()
	values := row.Values()
	m := make(yaml.MapSlice, len(values))
	for i, v := range values {
		m[i] = yaml.MapItem{Key: fields[i].GetName(), Value: plain(fields[i].GetType(), v)}
	}
	return m
}

// plain converts a column value to a Go value that prints naturally.
func plain(t *spannerpb.Type, v *structpb.Value) interface{} {
	if _, ok := v.GetKind().(*structpb.Value_NullValue); ok {
		return nil
	}
	switch t.GetCode() {
	case spannerpb.TypeCode_INT64:
		if n, err := strconv.ParseInt(v.GetStringValue(), 10, 64); err == nil {
			return n
		}
	case spannerpb.TypeCode_ARRAY:
		list := v.GetListValue().GetValues()
		out := make([]interface{}, len(list))
		for i, e := range list {
			out[i] = plain(t.GetArrayElementType(), e)
		}
		return out
	case spannerpb.TypeCode_STRUCT:
		fields := t.GetStructType().GetFields()
		list := v.GetListValue().GetValues()
		m := make(yaml.MapSlice, len(list))
		for i, e := range list {
			if i < len(fields) {
				m[i] = yaml.MapItem{Key: fields[i].GetName(), Value: plain(fields[i].GetType(), e)}
			}
		}
		return m
	}
	return v.AsInterface()
}
