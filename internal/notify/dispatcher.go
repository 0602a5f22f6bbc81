package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sendTimeout = 10 * time.Second

// Dispatcher runs deliveries on a fixed set of workers behind a bounded queue.
// Enqueue never blocks the caller.
type Dispatcher struct {
	jobs   chan Message
	sender Sender
	logger *slog.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewDispatcher(sender Sender, queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:   make(chan Message, queueSize),
		sender: sender,
		logger: logger,
	}
}

func (d *Dispatcher) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for m := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := d.sender.Send(ctx, m)
		cancel()
		if err != nil {
			d.logger.Error("notification delivery failed",
				"kind", m.Kind,
				"reference", m.Reference,
				"error", err,
			)
		}
	}
}

// Enqueue reports whether m was accepted. A full or closed queue drops it.
func (d *Dispatcher) Enqueue(m Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- m:
		return true
	default:
		d.logger.Warn("notification queue full, dropping",
			"kind", m.Kind,
			"reference", m.Reference,
		)
		return false
	}
}

// Shutdown stops accepting work and waits for queued deliveries to finish.
func (d *Dispatcher) Shutdown() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
