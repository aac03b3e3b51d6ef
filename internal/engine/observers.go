package engine

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Progress is an immutable snapshot of the current run pushed to observers.
type Progress struct {
	Total       int
	Processed   int
	CurrentItem string
	Status      RunStatus
}

// observers is a pub/sub list keyed by handle so unsubscription is O(1).
// A panicking subscriber is isolated and logged; the remaining subscribers
// are still notified and the run continues.
type observers struct {
	mu       sync.RWMutex
	progress map[string]func(Progress)
	status   map[string]func(string)
	logger   *slog.Logger
}

func newObservers(logger *slog.Logger) *observers {
	return &observers{
		progress: make(map[string]func(Progress)),
		status:   make(map[string]func(string)),
		logger:   logger,
	}
}

func (o *observers) onProgress(fn func(Progress)) func() {
	id := uuid.New().String()
	o.mu.Lock()
	o.progress[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.progress, id)
		o.mu.Unlock()
	}
}

func (o *observers) onStatus(fn func(string)) func() {
	id := uuid.New().String()
	o.mu.Lock()
	o.status[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.status, id)
		o.mu.Unlock()
	}
}

func (o *observers) notifyProgress(p Progress) {
	o.mu.RLock()
	fns := make([]func(Progress), 0, len(o.progress))
	for _, fn := range o.progress {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		o.safeCall(func() { fn(p) })
	}
}

func (o *observers) notifyStatus(line string) {
	o.mu.RLock()
	fns := make([]func(string), 0, len(o.status))
	for _, fn := range o.status {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		o.safeCall(func() { fn(line) })
	}
}

func (o *observers) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", "panic", r)
		}
	}()
	fn()
}
