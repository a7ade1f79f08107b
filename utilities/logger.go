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

package utilities

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	consoleEncoding = "console"
	defaultEncoding = "json"
	defaultLogFile  = "/var/log/spannerlib/output.log"

	defaultMaxAge     = 3
	defaultMaxBackups = 10
)

type LoggerConfig struct {
	OutputType string `yaml:"outputType"`
	Filename   string `yaml:"fileName"`
	MaxSize    int    `yaml:"maxSize"`    // megabytes
	MaxBackups int    `yaml:"maxBackups"` // number of rotated files kept after MaxSize or MaxAge is reached
	MaxAge     int    `yaml:"maxAge"`     // days
	Compress   bool   `yaml:"compress"`   // gzip rotated files
	Encoding   string `yaml:"encoding"`
}

// SetupLogger initializes a zap.Logger instance based on the provided log level and logger configuration.
// If loggerConfig specifies file output, it sets up a file-based logger. Otherwise, it defaults to console output.
func SetupLogger(logLevel string, loggerConfig *LoggerConfig) (*zap.Logger, error) {
	level := getLogLevel(logLevel)

	if loggerConfig != nil && loggerConfig.OutputType == "file" {
		return setupFileLogger(level, loggerConfig)
	}

	encoding := defaultEncoding
	if loggerConfig != nil {
		encoding = defaultIfEmpty(loggerConfig.Encoding, defaultEncoding)
	}

	return setupConsoleLogger(level, encoding)
}

// GetOrCreateNopLogger returns logger, or a no-op logger when logger is nil.
func GetOrCreateNopLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// getLogLevel parses one of the levels accepted by the command line. Anything
// else logs at info.
func getLogLevel(logLevel string) zap.AtomicLevel {
	switch logLevel {
	case "debug", "warn", "error":
		if level, err := zap.ParseAtomicLevel(logLevel); err == nil {
			return level
		}
	}
	return zap.NewAtomicLevelAt(zap.InfoLevel)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}

func newEncoder(encoding string) zapcore.Encoder {
	if encoding == consoleEncoding {
		return zapcore.NewConsoleEncoder(encoderConfig())
	}
	return zapcore.NewJSONEncoder(encoderConfig())
}

// setupFileLogger writes to a lumberjack.Logger so that log files are rotated
// by size and age.
func setupFileLogger(level zap.AtomicLevel, loggerConfig *LoggerConfig) (*zap.Logger, error) {
	out := &lumberjack.Logger{
		Filename:   defaultIfEmpty(loggerConfig.Filename, defaultLogFile),
		MaxSize:    loggerConfig.MaxSize,
		MaxAge:     defaultIfZero(loggerConfig.MaxAge, defaultMaxAge),
		MaxBackups: defaultIfZero(loggerConfig.MaxBackups, defaultMaxBackups),
		Compress:   loggerConfig.Compress,
	}
	core := zapcore.NewCore(newEncoder(loggerConfig.Encoding), zapcore.AddSync(out), level)
	return zap.New(core, zap.AddCaller()), nil
}

// setupConsoleLogger logs to stderr so that stdout only carries results.
func setupConsoleLogger(level zap.AtomicLevel, encoding string) (*zap.Logger, error) {
	core := zapcore.NewCore(newEncoder(encoding), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

func defaultIfEmpty(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func defaultIfZero(value, defaultValue int) int {
	if value == 0 {
		return defaultValue
	}
	return value
}
