package engine

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lazypower/persona/internal/model"
)

// SignalType names a lifecycle event.
type SignalType string

const (
	SignalCandidate SignalType = "candidate"
	SignalCreated   SignalType = "created"
	SignalUpdated   SignalType = "updated"
	SignalError     SignalType = "error"
)

// Signal is an advisory lifecycle event. Delivery is at most once.
type Signal struct {
	Type    SignalType `json:"type"`
	OwnerID string     `json:"owner_id,omitempty"`
	At      time.Time  `json:"at"`

	// candidate
	ProvisionalID string         `json:"provisional_id,omitempty"`
	Kind          model.Kind     `json:"kind,omitempty"`
	Category      model.Category `json:"category,omitempty"`
	Summary       string         `json:"summary,omitempty"`

	// created, updated
	ID                string `json:"id,omitempty"`
	MergedCandidateID string `json:"merged_candidate_id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Context string `json:"context,omitempty"`
}

// SignalSink receives lifecycle signals. Emit must not block.
type SignalSink interface {
	Emit(Signal)
}

// LogSink writes signals to a logger at debug level, errors at warn.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Emit(sig Signal) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	switch sig.Type {
	case SignalError:
		l.Warn("signal", "type", sig.Type, "owner", sig.OwnerID, "code", sig.Code, "context", sig.Context)
	case SignalCandidate:
		l.Debug("signal", "type", sig.Type, "owner", sig.OwnerID, "provisional", sig.ProvisionalID, "kind", sig.Kind, "category", sig.Category)
	default:
		l.Debug("signal", "type", sig.Type, "owner", sig.OwnerID, "id", sig.ID, "merged", sig.MergedCandidateID)
	}
}

// Broadcaster fans signals out to subscribers. A subscriber whose buffer is
// full misses the signal.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Signal
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Signal)}
}

// Subscribe returns a channel of signals and a func that closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Signal, func()) {
	ch := make(chan Signal, max(buffer, 1))
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Emit(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

// MultiSink emits to every sink in order.
type MultiSink []SignalSink

func (m MultiSink) Emit(sig Signal) {
	for _, s := range m {
		s.Emit(sig)
	}
}

type discardSink struct{}

func (discardSink) Emit(Signal) {}
