package event

import (
	"context"
	"errors"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"os"
	"sync"
	"time"
)

const cleanerTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc lets a plain function be registered as a cleaner.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type namedCallable struct {
	name     string
	callable Callable
}

// Cleaner runs registered shutdown callbacks once, in registration order, and
// flushes the logger last.
type Cleaner struct {
	cleaners       []namedCallable
	mu             sync.Mutex
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	timeout        time.Duration
}

func NewCleaner(loggerShutdown Callable) *Cleaner {
	return &Cleaner{loggerShutdown: loggerShutdown, timeout: cleanerTimeout}
}

func (c *Cleaner) Add(name string, callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.DebugF("Cleaner is already shutting down, ignoring cleaner %s", name)
		return
	}
	c.cleaners = append(c.cleaners, namedCallable{name: name, callable: callable})
}

// Clean invokes every cleaner with its own timeout and returns the joined errors.
// Later calls are no-ops.
func (c *Cleaner) Clean(ctx context.Context) error {
	var result error
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]namedCallable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i, nc := range cleanersCopy {
			func() {
				logger.DebugF("Invoking cleaner #%d (%s)", i+1, nc.name)
				timeoutCtx, cancelFunc := context.WithTimeout(ctx, c.timeout)
				defer cancelFunc()
				if err := nc.callable.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%s) failed: %v", i+1, nc.name, err)
					errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
				}
			}()
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if c.loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
		}
		result = errors.Join(errs...)
	})
	return result
}
