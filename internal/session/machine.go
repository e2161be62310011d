package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Observer is invoked synchronously for every committed transition.
type Observer func(Transition)

// ObserverID identifies one observer registration.
type ObserverID uint64

// View is the read-only face of a Machine handed to everything except its owner.
type View interface {
	CurrentPhase() Phase
	AddObserver(fn Observer) ObserverID
	RemoveObserver(id ObserverID) bool
}

type observerEntry struct {
	id ObserverID
	fn Observer
}

// Machine is the single writer of the current phase. Every mutation goes
// through RequestTransition, TransitionFrom or ForcePhase.
//
// Transitions serialize on commitMu, which is held while observers run, so
// the observers of transition N finish before N+1 commits. Observers may read
// the phase but must not request a transition from inside the callback.
type Machine struct {
	commitMu sync.Mutex

	mu           sync.RWMutex
	phase        Phase
	seq          uint64
	observers    []observerEntry
	nextObserver ObserverID

	logger *slog.Logger
	now    func() time.Time
}

func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		phase:  PhaseIdle,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Machine) CurrentPhase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Seq returns the sequence number of the last committed transition (0 if none).
func (m *Machine) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// RequestTransition moves to target if the table allows it from the current phase.
func (m *Machine) RequestTransition(target Phase) (Transition, error) {
	return m.transition(nil, target)
}

// TransitionFrom is RequestTransition guarded by an expected current phase.
// Capability callbacks use it so a stale callback cannot act on a phase that
// has already moved on.
func (m *Machine) TransitionFrom(expected, target Phase) (Transition, error) {
	return m.transition(&expected, target)
}

func (m *Machine) transition(expected *Phase, target Phase) (Transition, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !target.Valid() {
		return Transition{}, fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, target)
	}

	m.mu.Lock()
	from := m.phase
	if expected != nil && from != *expected {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: phase is %s, expected %s", ErrInvalidTransition, from, *expected)
	}
	if !Allowed(from, target) {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, target)
	}
	tr := m.commitLocked(target, false)
	observers := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Debug("phase transition", "seq", tr.Seq, "from", tr.From, "to", tr.To)
	m.notify(observers, tr)
	return tr, nil
}

// ForcePhase sets target without consulting the table. It is reserved for
// error recovery and is flagged as forced to observers. Forcing the current
// phase commits nothing and reports changed as false.
func (m *Machine) ForcePhase(target Phase) (tr Transition, changed bool, err error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if !target.Valid() {
		return Transition{}, false, fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, target)
	}

	m.mu.Lock()
	if m.phase == target {
		m.mu.Unlock()
		return Transition{}, false, nil
	}
	tr = m.commitLocked(target, true)
	observers := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Warn("forced phase transition", "seq", tr.Seq, "from", tr.From, "to", tr.To)
	m.notify(observers, tr)
	return tr, true, nil
}

// Reset forces the machine back to idle. It is a no-op when already idle.
func (m *Machine) Reset() (Transition, bool) {
	tr, changed, _ := m.ForcePhase(PhaseIdle)
	return tr, changed
}

// View returns a read-only handle on m that cannot be converted back into
// the machine.
func (m *Machine) View() View { return machineView{m: m} }

type machineView struct{ m *Machine }

func (v machineView) CurrentPhase() Phase                { return v.m.CurrentPhase() }
func (v machineView) AddObserver(fn Observer) ObserverID { return v.m.AddObserver(fn) }
func (v machineView) RemoveObserver(id ObserverID) bool  { return v.m.RemoveObserver(id) }

// AddObserver registers fn. Registering the same func twice yields two
// registrations and two invocations per transition.
func (m *Machine) AddObserver(fn Observer) ObserverID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})
	return id
}

// RemoveObserver removes exactly the registration identified by id.
func (m *Machine) RemoveObserver(id ObserverID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.observers {
		if entry.id == id {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Machine) commitLocked(target Phase, forced bool) Transition {
	m.seq++
	tr := Transition{
		Seq:    m.seq,
		From:   m.phase,
		To:     target,
		Forced: forced,
		At:     m.now().UTC(),
	}
	m.phase = target
	return tr
}

func (m *Machine) snapshotLocked() []observerEntry {
	out := make([]observerEntry, len(m.observers))
	copy(out, m.observers)
	return out
}

func (m *Machine) notify(observers []observerEntry, tr Transition) {
	for _, entry := range observers {
		m.invoke(entry, tr)
	}
}

func (m *Machine) invoke(entry observerEntry, tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("phase observer panicked", "observer", entry.id, "seq", tr.Seq, "panic", r)
		}
	}()
	entry.fn(tr)
}
