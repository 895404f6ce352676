// Package wheel implements a hashed timing wheel for run fire times.
//
// The wheel trades exactness for O(1) insert/cancel: a timer fires on the
// first tick at or after its deadline, so accuracy is bounded by the tick
// interval (100ms by default). Far-future deadlines wrap around the wheel
// and carry a rounds counter.
package wheel

import (
	"errors"
	"sync"
	"time"

	logx "jobmesh/pkg/logx"
)

const (
	DefaultSlots = 512
	DefaultTick  = 100 * time.Millisecond
)

var ErrStopped = errors.New("wheel stopped")

type entry struct {
	id     int64
	slot   int
	rounds int
}

// Wheel fires int64 ids at requested times. Rescheduling an id that is
// already pending replaces its deadline; at most one timer exists per id.
type Wheel struct {
	tick time.Duration
	fire func(id int64)
	log  logx.Logger

	mu      sync.Mutex
	slots   []map[int64]*entry
	pending map[int64]*entry
	cursor  int
	stopped bool

	stopCh   chan struct{}
	stopDone chan struct{}
}

type Options struct {
	Slots int           // 0 means DefaultSlots
	Tick  time.Duration // 0 means DefaultTick
}

// New builds a wheel that calls fire for every expired id. fire runs on
// the wheel goroutine and must not block; hand off to a queue instead.
func New(opts Options, fire func(id int64), log logx.Logger) *Wheel {
	slots := opts.Slots
	if slots <= 0 {
		slots = DefaultSlots
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Wheel{
		tick:     tick,
		fire:     fire,
		log:      log,
		slots:    make([]map[int64]*entry, slots),
		pending:  map[int64]*entry{},
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
	for i := range w.slots {
		w.slots[i] = map[int64]*entry{}
	}
	return w
}

func (w *Wheel) Start() {
	go w.loop()
}

func (w *Wheel) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
	<-w.stopDone
}

// ScheduleAt arms (or re-arms) the timer for id. A deadline in the past
// fires on the next tick.
func (w *Wheel) ScheduleAt(id int64, fireAt time.Time) error {
	delay := time.Until(fireAt)
	ticks := int(delay / w.tick)
	if delay%w.tick > 0 {
		ticks++
	}
	if ticks < 1 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if old, ok := w.pending[id]; ok {
		delete(w.slots[old.slot], id)
	}
	// ticks == len(slots) lands back on the cursor slot, whose next visit
	// is already one full revolution away, so it counts as round zero.
	e := &entry{
		id:     id,
		slot:   (w.cursor + ticks) % len(w.slots),
		rounds: (ticks - 1) / len(w.slots),
	}
	w.slots[e.slot][id] = e
	w.pending[id] = e
	return nil
}

// Cancel disarms the timer for id. It reports whether a timer was pending.
func (w *Wheel) Cancel(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.pending[id]
	if !ok {
		return false
	}
	delete(w.slots[e.slot], id)
	delete(w.pending, id)
	return true
}

// Pending returns the number of armed timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Wheel) loop() {
	defer close(w.stopDone)
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			for _, id := range w.advance() {
				w.fire(id)
			}
		}
	}
}

// advance moves the cursor one slot and collects the ids due this tick.
func (w *Wheel) advance() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cursor = (w.cursor + 1) % len(w.slots)
	slot := w.slots[w.cursor]
	if len(slot) == 0 {
		return nil
	}
	var due []int64
	for id, e := range slot {
		if e.rounds > 0 {
			e.rounds--
			continue
		}
		due = append(due, id)
		delete(slot, id)
		delete(w.pending, id)
	}
	return due
}
