package txflow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSuccessTTL is how long a succeeded action stays visible.
const DefaultSuccessTTL = 5 * time.Second

// Tracker owns the lifecycle of every action. Observers subscribe to
// transitions; they never mutate actions.
type Tracker struct {
	successTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	actions map[string]*Action
	timers  map[string]*time.Timer
	subs    map[int]func(Action)
	nextSub int
	closed  bool
}

// NewTracker returns a tracker that dismisses succeeded actions after
// successTTL. A non-positive successTTL keeps them until acknowledged.
func NewTracker(successTTL time.Duration) *Tracker {
	return &Tracker{
		successTTL: successTTL,
		now:        time.Now,
		actions:    make(map[string]*Action),
		timers:     make(map[string]*time.Timer),
		subs:       make(map[int]func(Action)),
	}
}

// Subscribe registers fn for every transition, including the final reset to
// Idle. The returned func unsubscribes.
func (t *Tracker) Subscribe(fn func(Action)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

// register stores a new action in Idle. Settled actions on the same target
// are reset first: starting a new action replaces their banner.
func (t *Tracker) register(a Action) Action {
	a, _ = t.add(a, false)
	return a
}

// registerIfIdle is register guarded by the target: while another action on
// the same target is in flight nothing is stored and that action is returned
// with false. The check and the insert share one critical section.
func (t *Tracker) registerIfIdle(a Action) (Action, bool) {
	return t.add(a, true)
}

func (t *Tracker) add(a Action, exclusive bool) (Action, bool) {
	now := t.now()
	a.ID = uuid.NewString()
	a.State = StateIdle
	a.CreatedAt = now
	a.UpdatedAt = now

	t.mu.Lock()
	target := a.Target()
	if exclusive {
		for _, prev := range t.actions {
			if !prev.State.Terminal() && prev.Target() == target {
				busy := *prev
				t.mu.Unlock()
				return busy, false
			}
		}
	}
	var reset []Action
	for id, prev := range t.actions {
		if prev.State.Terminal() && prev.Target() == target {
			reset = append(reset, t.removeLocked(id))
		}
	}
	stored := a
	t.actions[a.ID] = &stored
	subs := t.subscribersLocked()
	t.mu.Unlock()

	for _, r := range reset {
		notify(subs, r)
	}
	notify(subs, a)
	return a, true
}

// update applies fn to the action and publishes the result.
func (t *Tracker) update(id string, fn func(*Action)) Action {
	t.mu.Lock()
	a, ok := t.actions[id]
	if !ok {
		t.mu.Unlock()
		return Action{ID: id, State: StateIdle}
	}
	fn(a)
	a.UpdatedAt = t.now()
	snapshot := *a
	if snapshot.State == StateSucceeded && t.successTTL > 0 && !t.closed {
		t.timers[id] = time.AfterFunc(t.successTTL, func() { t.Acknowledge(id) })
	}
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, snapshot)
	return snapshot
}

func (t *Tracker) transition(id string, state State) Action {
	return t.update(id, func(a *Action) { a.State = state })
}

// Get returns a copy of the action.
func (t *Tracker) Get(id string) (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.actions[id]
	if !ok {
		return Action{}, false
	}
	return *a, true
}

// List returns every tracked action, oldest first.
func (t *Tracker) List() []Action {
	t.mu.Lock()
	out := make([]Action, 0, len(t.actions))
	for _, a := range t.actions {
		out = append(out, *a)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// InFlight returns the non-terminal action on target, if any.
func (t *Tracker) InFlight(target string) (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.actions {
		if !a.State.Terminal() && a.Target() == target {
			return *a, true
		}
	}
	return Action{}, false
}

// Acknowledge resets a settled action to Idle and forgets it. In-flight
// actions cannot be acknowledged.
func (t *Tracker) Acknowledge(id string) bool {
	t.mu.Lock()
	a, ok := t.actions[id]
	if !ok || !a.State.Terminal() {
		t.mu.Unlock()
		return false
	}
	reset := t.removeLocked(id)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, reset)
	return true
}

// Close stops pending dismissal timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Tracker) removeLocked(id string) Action {
	a := *t.actions[id]
	delete(t.actions, id)
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	a.State = StateIdle
	a.UpdatedAt = t.now()
	return a
}

func (t *Tracker) subscribersLocked() []func(Action) {
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Action), len(ids))
	for i, id := range ids {
		out[i] = t.subs[id]
	}
	return out
}

func notify(subs []func(Action), a Action) {
	for _, fn := range subs {
		fn(a)
	}
}
