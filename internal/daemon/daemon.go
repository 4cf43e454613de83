// Package daemon supervises the long running background loops: the polling
// tickers and the event pumps. A crashed loop is restarted after a short
// pause instead of taking the process down.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is the work one daemon does. It returns nil on clean shutdown.
type Func func(ctx context.Context) error

const restartDelay = 2 * time.Second

// Manager supervises named daemons.
type Manager struct {
	logger  *slog.Logger
	daemons map[string]Func
	wg      sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		daemons: make(map[string]Func),
	}
}

// Add registers a daemon by name. Call before Start.
func (m *Manager) Add(name string, fn Func) {
	m.daemons[name] = fn
}

// Start runs all registered daemons, restarting any that fail.
func (m *Manager) Start(ctx context.Context) {
	for name, fn := range m.daemons {
		m.wg.Add(1)
		go m.run(ctx, name, fn)
	}
}

// Wait blocks until every daemon has stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, name string, fn Func) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("daemon received shutdown signal", "daemon", name)
			return
		default:
			if err := fn(ctx); err != nil {
				m.logger.Error("daemon crashed, restarting",
					"daemon", name, "error", err, "delay", restartDelay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(restartDelay):
				}
				continue
			}
			m.logger.Info("daemon exited cleanly", "daemon", name)
			return
		}
	}
}

// Ticker wraps a poll function into a daemon Func that runs it on a fixed
// interval. Poll errors are logged and do not stop the loop; the supervisor
// restart path is reserved for panics turned into errors by the caller.
func Ticker(logger *slog.Logger, name string, interval time.Duration, poll func(ctx context.Context) error) Func {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := poll(ctx); err != nil {
					logger.Warn("poll failed", "daemon", name, "error", err)
				}
			}
		}
	}
}
