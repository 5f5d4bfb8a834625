package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanerRunsInOrderOnce(t *testing.T) {
	var calls []string
	record := func(name string, err error) Callable {
		return CallableFunc(func(context.Context) error {
			calls = append(calls, name)
			return err
		})
	}

	c := NewCleaner(record("logger", nil))
	c.Add("server", record("server", nil))
	c.Add("broker", record("broker", errors.New("already closed")))

	err := c.Clean(context.Background())
	assert.ErrorContains(t, err, "broker: already closed")
	assert.Equal(t, []string{"server", "broker", "logger"}, calls)

	c.Add("late", record("late", nil))
	assert.NoError(t, c.Clean(context.Background()))
	assert.Equal(t, []string{"server", "broker", "logger"}, calls)
}

func TestCleanerPassesDeadline(t *testing.T) {
	c := NewCleaner(nil)
	c.Add("deadline", CallableFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("missing deadline")
		}
		return nil
	}))
	assert.NoError(t, c.Clean(context.Background()))
}
