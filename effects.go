package nimbus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultEffectLifetime is how long a floating reaction stays alive.
const DefaultEffectLifetime = 2 * time.Second

// FloatingReaction is a purely presentational token: it is not part of
// conversation state, not persisted and not synchronized.
type FloatingReaction struct {
	ID    string
	Emoji string
	X     float64
	Y     float64
	Angle float64
}

// Effects tracks short-lived floating reaction tokens for a UI layer.
// Every spawned token gets its own expiry timer; Close cancels whatever
// is still pending so no timer leaks past teardown.
type Effects struct {
	lifetime time.Duration

	mu     sync.Mutex
	active []FloatingReaction
	timers map[string]*time.Timer
	closed bool

	onChange func([]FloatingReaction)
}

// NewEffects creates an effect board. A non-positive lifetime gets the
// default.
func NewEffects(lifetime time.Duration) *Effects {
	if lifetime <= 0 {
		lifetime = DefaultEffectLifetime
	}
	return &Effects{
		lifetime: lifetime,
		timers:   map[string]*time.Timer{},
	}
}

// OnChange installs a callback fired with the active set after every
// spawn or expiry.
func (e *Effects) OnChange(fn func([]FloatingReaction)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// Spawn creates a burst of three tokens at the given origin, each with a
// random drift angle, and schedules their expiry.
func (e *Effects) Spawn(emoji string, x, y float64) []FloatingReaction {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	burst := make([]FloatingReaction, 0, 3)
	for i := 0; i < 3; i++ {
		fr := FloatingReaction{
			ID:    uuid.NewString(),
			Emoji: emoji,
			X:     x,
			Y:     y,
			Angle: rand.Float64() * 360,
		}
		burst = append(burst, fr)
		e.active = append(e.active, fr)
		id := fr.ID
		e.timers[id] = time.AfterFunc(e.lifetime, func() { e.expire(id) })
	}
	e.mu.Unlock()

	e.notify()
	return burst
}

// Active returns a copy of the live tokens.
func (e *Effects) Active() []FloatingReaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FloatingReaction, len(e.active))
	copy(out, e.active)
	return out
}

// Close cancels all pending expiry timers and drops the active set.
// Idempotent.
func (e *Effects) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.active = nil
	e.mu.Unlock()
}

func (e *Effects) expire(id string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	for i := range e.active {
		if e.active[i].ID == id {
			e.active = append(e.active[:i], e.active[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	e.notify()
}

func (e *Effects) notify() {
	e.mu.Lock()
	fn := e.onChange
	snapshot := make([]FloatingReaction, len(e.active))
	copy(snapshot, e.active)
	e.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
