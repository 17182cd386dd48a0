// Package timer schedules application timers and rebuilds them from their persisted
// records after passivation or on another node.
package timer

import (
	"context"
	"errors"
	"time"
)

// ErrNoListener is returned when no listener is registered for an application.
var ErrNoListener = errors.New("no timer listener for application")

// Info is what a listener sees when a timer fires.
type Info struct {
	ID                   string
	ApplicationSessionID string
	ApplicationName      string
	Payload              []byte
	Period               time.Duration
	FixedRate            bool
	// Run counts the executions of the task, starting at 1.
	Run int
}

// Listener is notified when a timer of its application fires.
type Listener interface {
	TimeOut(ctx context.Context, info Info)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, info Info)

func (f ListenerFunc) TimeOut(ctx context.Context, info Info) { f(ctx, info) }

type appNameKey struct{}

// WithApplicationName returns a context that carries the application a task runs for.
func WithApplicationName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, appNameKey{}, name)
}

// ApplicationName returns the application a timer callback runs for.
func ApplicationName(ctx context.Context) string {
	name, _ := ctx.Value(appNameKey{}).(string)
	return name
}
