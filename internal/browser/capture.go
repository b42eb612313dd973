package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultCaptureBuffer = 1024

type captureKind int

const (
	captureConsole captureKind = iota
	captureRequest
	captureResponse
	captureBarrier
)

type captureMsg struct {
	kind    captureKind
	level   string
	text    string
	method  string
	url     string
	status  int
	at      time.Time
	barrier chan struct{}
}

// capture owns a session's console and network buffers. Driver callbacks
// hand messages to a queue; a single pump goroutine is the only writer of
// the buffers.
type capture struct {
	logger *zap.Logger
	now    func() time.Time

	queue     chan captureMsg
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Messages lost to a full queue, surfaced in read events.
	droppedConsole atomic.Int64
	droppedNetwork atomic.Int64

	mu      sync.RWMutex
	console []ConsoleEntry
	network []NetworkEntry
}

var _ Sink = (*capture)(nil)

func newCapture(logger *zap.Logger, size int) *capture {
	if size <= 0 {
		size = defaultCaptureBuffer
	}
	c := &capture{
		logger:  logger,
		now:     time.Now,
		queue:   make(chan captureMsg, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		console: make([]ConsoleEntry, 0),
		network: make([]NetworkEntry, 0),
	}
	go c.pump()
	return c
}

func (c *capture) ConsoleMessage(level, text string) {
	c.enqueue(captureMsg{kind: captureConsole, level: level, text: text, at: c.now()})
}

func (c *capture) RequestIssued(method, url string) {
	c.enqueue(captureMsg{kind: captureRequest, method: method, url: url, at: c.now()})
}

func (c *capture) ResponseReceived(url string, status int) {
	c.enqueue(captureMsg{kind: captureResponse, url: url, status: status})
}

// enqueue never blocks the driver; a full queue drops the message and
// counts the loss.
func (c *capture) enqueue(m captureMsg) {
	select {
	case <-c.stop:
		return
	default:
	}
	select {
	case c.queue <- m:
	default:
		counter, kind := &c.droppedNetwork, "network"
		if m.kind == captureConsole {
			counter, kind = &c.droppedConsole, "console"
		}
		n := counter.Add(1)
		c.logger.Warn("Capture queue full, dropping page event.", zap.String("kind", kind), zap.Int64("dropped_total", n))
	}
}

func (c *capture) pump() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case m := <-c.queue:
			c.apply(m)
		}
	}
}

func (c *capture) apply(m captureMsg) {
	if m.kind == captureBarrier {
		close(m.barrier)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.kind {
	case captureConsole:
		c.console = append(c.console, ConsoleEntry{Level: m.level, Message: m.text, Timestamp: m.at})
	case captureRequest:
		c.network = append(c.network, NetworkEntry{Method: m.method, URL: m.url, Timestamp: m.at})
	case captureResponse:
		// The newest pending request for the URL wins.
		for i := len(c.network) - 1; i >= 0; i-- {
			if c.network[i].URL == m.url && c.network[i].Status == nil {
				status := m.status
				c.network[i].Status = &status
				break
			}
		}
	}
}

// sync waits until every message enqueued before the call has been applied.
func (c *capture) sync(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case c.queue <- captureMsg{kind: captureBarrier, barrier: barrier}:
	case <-c.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *capture) counts() (network, console int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.network), len(c.console)
}

// drops reports how many messages of each kind never reached the buffers.
func (c *capture) drops() (network, console int64) {
	return c.droppedNetwork.Load(), c.droppedConsole.Load()
}

func (c *capture) consoleEntries() []ConsoleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConsoleEntry, len(c.console))
	copy(out, c.console)
	return out
}

func (c *capture) networkEntries() []NetworkEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NetworkEntry, len(c.network))
	for i, e := range c.network {
		if e.Status != nil {
			status := *e.Status
			e.Status = &status
		}
		out[i] = e
	}
	return out
}

// close stops the pump and purges the buffers. Safe to call more than once.
func (c *capture) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.mu.Lock()
		c.console = nil
		c.network = nil
		c.mu.Unlock()
	})
}
