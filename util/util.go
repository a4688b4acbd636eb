package util

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func SleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// InitError marks a failure while bringing a component up. Nothing of the
// pipeline is left running when one is returned.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("init %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Logger returns the shared logrus entry for a component.
func Logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// Every reports true on the first call and then once per n calls. Used to
// keep per-frame drop warnings from flooding the log.
func Every(count uint64, n uint64) bool {
	return n <= 1 || count%n == 1
}
