// Copyright The XferBench Authors. All Rights Reserved.
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

// Package log provides a registry of named logger instances with
// per-source debug toggles.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Level describes logging severity.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// DefaultLevel is the default logging severity level.
const DefaultLevel = LevelInfo

// debugEnvVar is the environment variable used to seed debugging flags.
const debugEnvVar = "LOGGER_DEBUG"

// Logger is the interface for logging messages for a given source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})
	DebugEnabled() bool
	Source() string
}

type logging struct {
	sync.RWMutex
	level   Level
	out     io.Writer
	loggers map[string]logger
	debug   map[string]bool
}

type logger struct {
	source string
}

var log = &logging{
	level:   DefaultLevel,
	out:     os.Stderr,
	loggers: make(map[string]logger),
	debug:   make(map[string]bool),
}

// NewLogger creates a logger instance for the given source.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

// Default returns the default logger instance.
func Default() Logger {
	return log.get("default")
}

// SetLevel sets the minimum severity of emitted messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetOutput redirects all messages to the given writer.
func SetOutput(w io.Writer) {
	log.Lock()
	defer log.Unlock()
	log.out = w
}

// EnableDebug enables debug logging for the given source. The source
// "*" (or "all") toggles every source.
func EnableDebug(source string) {
	setDebug(source, true)
}

// DisableDebug disables debug logging for the given source.
func DisableDebug(source string) {
	setDebug(source, false)
}

func setDebug(source string, enabled bool) {
	if source == "all" {
		source = "*"
	}
	log.Lock()
	defer log.Unlock()
	log.debug[source] = enabled
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()
	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()
	if enabled, ok := l.debug[source]; ok {
		return enabled
	}
	return l.debug["*"]
}

func (lg logger) write(tag, format string, args ...interface{}) {
	log.RLock()
	out := log.out
	log.RUnlock()
	msg := fmt.Sprintf(format, args...)
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(out, "%s [%s] %s\n", tag, lg.source, line)
	}
}

func (lg logger) emit(level Level, tag, format string, args ...interface{}) {
	log.RLock()
	minLevel := log.level
	log.RUnlock()
	if level < minLevel {
		return
	}
	lg.write(tag, format, args...)
}

// Debug logs a debug message, if debugging is enabled for the source.
// The per-source toggle overrides the global level, so sources seeded
// from the environment print without further setup.
func (lg logger) Debug(format string, args ...interface{}) {
	if !log.debugEnabled(lg.source) {
		return
	}
	lg.write("D:", format, args...)
}

// Info logs an informational message.
func (lg logger) Info(format string, args ...interface{}) {
	lg.emit(LevelInfo, "I:", format, args...)
}

// Warn logs a warning.
func (lg logger) Warn(format string, args ...interface{}) {
	lg.emit(LevelWarn, "W:", format, args...)
}

// Error logs an error.
func (lg logger) Error(format string, args ...interface{}) {
	lg.emit(LevelError, "E:", format, args...)
}

// Fatal logs an error and exits with a non-zero status.
func (lg logger) Fatal(format string, args ...interface{}) {
	lg.emit(LevelError, "E:", format, args...)
	os.Exit(1)
}

// DebugEnabled returns true if debug logging is enabled for the source.
func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

// Source returns the source of the logger.
func (lg logger) Source() string {
	return lg.source
}

// Seed debug flags from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		for _, src := range strings.Split(value, ",") {
			if src = strings.TrimSpace(src); src != "" {
				EnableDebug(src)
			}
		}
	}
}
