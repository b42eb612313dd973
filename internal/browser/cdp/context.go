package cdp

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also
// canceled when secondary is done. Values come from primary only, which is
// what chromedp needs: primary carries the target, secondary the deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// valueOnlyContext keeps the parent's values but drops its deadline and
// cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                  { return nil }
func (valueOnlyContext) Err() error                             { return nil }

// Detach returns a context with ctx's values that is never canceled by ctx.
// Browser roots use it so they outlive the request that started them.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
