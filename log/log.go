// Package log scopes github.com/luxfi/log to the executor pipeline's
// component convention: every stage (cache, staging, processor, worker,
// loadbalancer, executor, rpcpool, datasource) is handed its own logger
// carrying a "component" field, built from one root via With, rather
// than reaching for a process-global logger.
package log

import (
	"fmt"
	"log/slog"

	luxlog "github.com/luxfi/log"
)

// Logger is the structured logger handed to every component. It is a
// thin alias over luxlog.Logger so callers can use this package's
// Component helper without importing github.com/luxfi/log directly.
type Logger = luxlog.Logger

// New builds the root logger for the executor process and sets its
// initial level.
func New(level string) (Logger, error) {
	l := luxlog.New()
	lvl, err := luxlog.LvlFromString(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	l.SetLevel(slog.Level(lvl))
	return l, nil
}

// Component returns a child logger tagged with "component": name, the
// convention every package in this module uses to build its logger.
func Component(base Logger, name string, keyvals ...interface{}) Logger {
	args := append([]interface{}{"component", name}, keyvals...)
	return base.With(args...)
}
