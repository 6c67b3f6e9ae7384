package session

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Backoff returns the delay before reconnect attempt n, counting from 1.
type Backoff func(attempt int) time.Duration

// DefaultBackoff doubles from one second up to ten seconds.
func DefaultBackoff(attempt int) time.Duration {
	return time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 10)) * time.Second
}

// Supervise keeps c connected until ctx is done or c is closed with
// Disconnect. Lost or failed connections are retried after backoff; a
// successful connect resets the attempt count. When ctx is done the session
// is disconnected and the teardown result returned.
func Supervise(ctx context.Context, c *Controller, backoff Backoff) error {
	if backoff == nil {
		backoff = DefaultBackoff
	}

	attempt := 0
	for {
		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return c.Disconnect()
			}
			c.logger.Warn("Session connect failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
		} else {
			attempt = 0
			lost := c.Wait(ctx)
			if ctx.Err() != nil {
				return c.Disconnect()
			}
			if lost == nil {
				return nil
			}
			c.logger.Warn("Session lost", slog.String("error", lost.Error()))
		}

		if c.State() == StateClosed {
			return nil
		}

		attempt++
		delay := backoff(attempt)
		c.logger.Info("Reconnecting session",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.Disconnect()
		case <-timer.C:
		}

		if c.State() == StateClosed {
			return nil
		}
	}
}
