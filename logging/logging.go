// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Logging - leveled logging with granular verbose filtering for the relay pool.
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

var (
	mu             sync.RWMutex
	verbose        bool
	verboseAll     bool
	verboseFilters map[string]bool
)

// SetVerbose sets the verbose logging mode with granular filtering
// Examples:
//   - "" or "false": disable all verbose logging
//   - "true", "1" or "all": enable all verbose logging
//   - "pool,connection": enable verbose for the pool and connection modules
//   - "subscription.reconcile,auth": enable one method of subscription and all of auth
//
// This function is typically called early in main() with:
//
//	logging.SetVerbose(os.Getenv("VERBOSE"))
func SetVerbose(verboseStr string) {
	mu.Lock()
	defer mu.Unlock()

	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	verboseStr = strings.TrimSpace(verboseStr)
	if verboseStr == "" || verboseStr == "false" || verboseStr == "0" {
		return
	}

	if verboseStr == "true" || verboseStr == "1" || verboseStr == "all" {
		verbose = true
		verboseAll = true
		return
	}

	for _, filter := range strings.Split(verboseStr, ",") {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			verbose = true
		}
	}
}

// IsVerbose checks if verbose logging is enabled for a specific module or method
func IsVerbose(module string, method string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// DebugMethod logs debug messages for a specific module.method (only in verbose mode)
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		log.Printf("[DEBUG] "+module+"."+method+": "+format, v...)
	}
}

// Info logs informational messages (always shown)
func Info(format string, v ...interface{}) {
	log.Printf("[INFO] "+format, v...)
}

// Warn logs warning messages (always shown)
func Warn(format string, v ...interface{}) {
	log.Printf("[WARN] "+format, v...)
}

// Error logs error messages (always shown)
func Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}

// Fatal logs error messages and exits with status code 1
func Fatal(format string, v ...interface{}) {
	log.Printf("[FATAL] "+format, v...)
	os.Exit(1)
}

// Logger is bound to one module name and optionally to one relay, so call
// sites don't have to repeat either on every line.
type Logger struct {
	module string
	prefix string
}

// For returns a Logger for the given module.
func For(module string) Logger {
	return Logger{module: module}
}

// With returns a copy of l that prefixes every message with the relay URL.
func (l Logger) With(relay string) Logger {
	l.prefix = l.prefix + relay + ": "
	return l
}

// Debug logs under module.method when that filter is enabled.
func (l Logger) Debug(method string, format string, v ...interface{}) {
	if IsVerbose(l.module, method) {
		log.Printf("[DEBUG] %s.%s: %s%s", l.module, method, l.prefix, fmt.Sprintf(format, v...))
	}
}

func (l Logger) Info(format string, v ...interface{}) {
	log.Printf("[INFO] [%s] %s%s", l.module, l.prefix, fmt.Sprintf(format, v...))
}

func (l Logger) Warn(format string, v ...interface{}) {
	log.Printf("[WARN] [%s] %s%s", l.module, l.prefix, fmt.Sprintf(format, v...))
}

func (l Logger) Error(format string, v ...interface{}) {
	log.Printf("[ERROR] [%s] %s%s", l.module, l.prefix, fmt.Sprintf(format, v...))
}
