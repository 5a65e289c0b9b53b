package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/sabor/internal/domain/model"
)

type slotState int

const (
	slotReserved slotState = iota + 1
	slotCommitted
)

type slot struct {
	state      slotState
	holder     string
	reservedAt time.Time
	vote       model.Vote
}

// MemoryStore is a process-local Store. A reservation older than the
// configured TTL is considered abandoned and may be claimed again.
type MemoryStore struct {
	mu      sync.Mutex
	slots   map[model.VoteKey]*slot
	byVoter map[string]int
	ttl     time.Duration
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithReservationTTL sets when a dangling reservation may be taken over. Zero disables takeover.
func WithReservationTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = d }
}

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		slots:   make(map[model.VoteKey]*slot),
		byVoter: make(map[string]int),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key model.VoteKey, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.slots[key]; ok {
		if cur.state == slotCommitted {
			return ErrAlreadyVoted
		}
		if s.ttl <= 0 || now.Sub(cur.reservedAt) <= s.ttl {
			return ErrAlreadyVoted
		}
	}
	s.slots[key] = &slot{state: slotReserved, holder: holder, reservedAt: now}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key model.VoteKey, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.slots[key]; ok && cur.state == slotReserved && cur.holder == holder {
		delete(s.slots, key)
	}
	return nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, holder string, vote model.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.slots[vote.Key()]
	switch {
	case !ok:
		return ErrNotReserved
	case cur.state == slotCommitted:
		return ErrAlreadyVoted
	case cur.holder != holder:
		return ErrReservationLost
	}
	cur.state = slotCommitted
	cur.vote = vote
	s.byVoter[vote.VoterToken]++
	return nil
}

// CountByVoter implements Store.
func (s *MemoryStore) CountByVoter(_ context.Context, voterToken string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byVoter[voterToken], nil
}

// Votes returns a copy of the committed votes.
func (s *MemoryStore) Votes() []model.Vote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Vote, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.state == slotCommitted {
			out = append(out, sl.vote)
		}
	}
	return out
}

// Ledger records ids that must be granted at most once, such as badges.
type Ledger interface {
	// SeenAndRecord atomically checks if id was seen and records it if not.
	// Returns true if id was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, id string) bool
	// Unrecord forgets id, e.g. when the grant it guarded was rolled back.
	Unrecord(ctx context.Context, id string)
	Size() int64
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
	size atomic.Int64
}

// NewMemoryLedger creates an unbounded in-memory Ledger.
func NewMemoryLedger() Ledger {
	return &memoryLedger{seen: make(map[string]struct{})}
}

func (l *memoryLedger) SeenAndRecord(_ context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return true
	}
	l.seen[id] = struct{}{}
	l.size.Add(1)
	return false
}

func (l *memoryLedger) Unrecord(_ context.Context, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		delete(l.seen, id)
		l.size.Add(-1)
	}
}

func (l *memoryLedger) Size() int64 { return l.size.Load() }
