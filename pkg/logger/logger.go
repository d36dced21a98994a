// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	DebugLevel LogLevel = "DEBUG"
	InfoLevel  LogLevel = "INFO"
	WarnLevel  LogLevel = "WARN"
	ErrorLevel LogLevel = "ERROR"
	// ProductionLevel is an alias for InfoLevel, used for easier configuration.
	ProductionLevel LogLevel = "PRODUCTION"

	// FormatConsole indicates human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON indicates structured JSON format.
	FormatJSON LogFormat = "JSON"
	// FormatPretty indicates the aligned, bracketed console format.
	FormatPretty LogFormat = "PRETTY"
)

var (
	initOnce    sync.Once
	initialized bool
	initMu      sync.RWMutex
)

// ParseLevel converts a configured level into a zapcore.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zapcore.Level {
	switch LogLevel(strings.ToUpper(string(level))) {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case InfoLevel, ProductionLevel:
		return zapcore.InfoLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat returns format when it names a known format, otherwise fallback.
func ParseFormat(format string, fallback LogFormat) LogFormat {
	switch f := LogFormat(strings.ToUpper(format)); f {
	case FormatConsole, FormatJSON, FormatPretty:
		return f
	default:
		return fallback
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000 MST"))
}

func encoderConfig(format LogFormat) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == FormatJSON {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder

		return cfg
	}

	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = timeEncoder
	cfg.ConsoleSeparator = " | "

	return cfg
}

// NewWithWriter creates a zap logger writing to w.
func NewWithWriter(w io.Writer, logLevel string, logFormat LogFormat) *zap.Logger {
	cfg := encoderConfig(logFormat)

	var encoder zapcore.Encoder

	switch logFormat {
	case FormatPretty:
		encoder = NewPrettyConsoleEncoder(cfg)
	case FormatConsole:
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.NewAtomicLevelAt(ParseLevel(LogLevel(logLevel))))

	return zap.New(core, zap.AddCaller())
}

// New creates a new zap logger on stdout with the specified log level and format.
func New(logLevel string, logFormat LogFormat) *zap.Logger {
	return NewWithWriter(os.Stdout, logLevel, logFormat)
}

// Initialize sets up the global logger from LOGGING_LEVEL and LOGGING_FORMAT.
func Initialize() {
	initOnce.Do(func() {
		logLevel := getEnv("LOGGING_LEVEL", string(ProductionLevel))
		logFormat := ParseFormat(getEnv("LOGGING_FORMAT", string(FormatPretty)), FormatPretty)
		l := New(logLevel, logFormat)

		l.Info("Logger initialized",
			zap.String("level", logLevel),
			zap.String("format", string(logFormat)))

		zap.ReplaceGlobals(l)

		initMu.Lock()
		initialized = true
		initMu.Unlock()
	})
}

func ensureInitialized() {
	initMu.RLock()
	done := initialized
	initMu.RUnlock()

	if !done {
		Initialize()
	}
}

// GetLogger returns the global logger, initializing it if needed.
func GetLogger() *zap.Logger {
	ensureInitialized()

	return zap.L()
}

// GetSugaredLogger returns the global sugared logger, initializing it if needed.
func GetSugaredLogger() *zap.SugaredLogger {
	ensureInitialized()

	return zap.S()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For creates a named logger for a specific component.
func For(component string) *zap.SugaredLogger {
	ensureInitialized()

	return zap.S().Named(component)
}

// OrDefault returns l, or the named global logger for component when l is nil.
func OrDefault(l *zap.SugaredLogger, component string) *zap.SugaredLogger {
	if l != nil {
		return l
	}

	return For(component)
}
