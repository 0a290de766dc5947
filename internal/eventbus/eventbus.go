// Package eventbus is a small typed callback dispatcher, generalized from
// the teacher's core/events package (an EventType-keyed handler registry)
// into the single-subscriber callback slots the session control surface
// needs: at most one handler per callback kind, set once by the caller and
// fired from whichever internal thread observes the transition.
package eventbus

import "sync"

// Kind identifies one of the session's callback slots.
type Kind int

const (
	ConnectionStateChanged Kind = iota
	SignalBarCountChanged
	GroupCallKeyReceived
	GroupCallKeySent
	UpgradeToGroupCallRequested
)

func (k Kind) String() string {
	switch k {
	case ConnectionStateChanged:
		return "connectionStateChanged"
	case SignalBarCountChanged:
		return "signalBarCountChanged"
	case GroupCallKeyReceived:
		return "groupCallKeyReceived"
	case GroupCallKeySent:
		return "groupCallKeySent"
	case UpgradeToGroupCallRequested:
		return "upgradeToGroupCallRequested"
	default:
		return "unknown"
	}
}

// Handler receives whatever payload its Kind documents (state, bar count,
// key bytes, ...) boxed as any; callers type-assert on the way in.
type Handler func(args ...any)

// Bus holds at most one handler per Kind and fires it synchronously from
// the calling goroutine; callers needing asynchrony dispatch their own
// goroutine inside the handler.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind]Handler)}
}

// On registers (or replaces) the handler for kind.
func (b *Bus) On(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Fire invokes the handler registered for kind, if any. It is safe to call
// with no handler registered; the event is simply dropped.
func (b *Bus) Fire(kind Kind, args ...any) {
	b.mu.RLock()
	h := b.handlers[kind]
	b.mu.RUnlock()
	if h != nil {
		h(args...)
	}
}

// Clear removes every registered handler; used at shutdown so a timer
// firing after Stop cannot call into torn-down caller state.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind]Handler)
}
