package repository

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/okian/sabor/internal/domain/types"
	"github.com/okian/sabor/pkg/metrics"
)

// Treap-based, in-memory Store implementation. One treap per board.
//
// Ordering: score DESC, then subject ASC (deterministic). "less" means
// ranks earlier, so in-order traversal yields the board best to worst.
// Ties share a rank: rank = 1 + number of subjects with a strictly
// higher score, answered from subtree sizes in O(log n).

// scoreScale controls fixed-point scaling from float64.
const scoreScale = 1_000_000_000

type scoreFP int64

func toFixedPoint(x float64) scoreFP { return scoreFP(math.Round(x * scoreScale)) }

func toFloat(x scoreFP) float64 { return float64(x) / scoreScale }

// treap node
type node struct {
	id    string
	score scoreFP
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// less returns true if (aScore, aID) should appear before (bScore, bID).
func less(aScore scoreFP, aID string, bScore scoreFP, bID string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, score scoreFP, prio uint64) *node {
	if n == nil {
		return &node{id: id, score: score, prio: prio, size: 1}
	}
	if less(score, id, n.score, n.id) {
		n.left = insert(n.left, id, score, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, score, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, score scoreFP) *node {
	if n == nil {
		return nil
	}
	switch {
	case score == n.score && id == n.id:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, score)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, score)
		}
	case less(score, id, n.score, n.id):
		n.left = deleteNode(n.left, id, score)
	default:
		n.right = deleteNode(n.right, id, score)
	}
	fix(n)
	return n
}

// countHigher returns the number of nodes with a score strictly above score.
func countHigher(n *node, score scoreFP) int {
	count := 0
	for n != nil {
		if n.score > score {
			count += nsize(n.left) + 1
			n = n.right
		} else {
			n = n.left
		}
	}
	return count
}

// collectTopN appends up to limit entries in rank order.
func collectTopN(n *node, limit int, out *[]types.Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, types.Entry{Subject: n.id, Score: toFloat(n.score)})
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, out)
	}
}

// assignRanksWithTies gives equal scores the same rank; the next distinct
// score takes its 1-based position.
func assignRanksWithTies(entries []types.Entry) {
	for i := range entries {
		if i > 0 && entries[i].Score == entries[i-1].Score {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}

type treap struct {
	root *node
	byID map[string]scoreFP
}

// TreapStore keeps every board in memory.
type TreapStore struct {
	mu     sync.RWMutex
	boards map[types.Board]*treap
	rng    *rand.Rand

	metricsUpdateInterval time.Duration
	wg                    sync.WaitGroup
	stopChan              chan struct{}
	stopOnce              sync.Once
}

// NewTreapStore constructs a treap store. A background goroutine publishes
// board sizes until ctx is done or Close is called.
func NewTreapStore(ctx context.Context, opts ...Option) *TreapStore {
	s := &TreapStore{
		boards:                make(map[types.Board]*treap),
		rng:                   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // treap priorities
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Close stops the background goroutine.
func (s *TreapStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

// Set implements Store.Set in O(log n) expected time.
func (s *TreapStore) Set(_ context.Context, board types.Board, subject string, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return ErrInvalidScore
	}
	ns := toFixedPoint(score)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.boards[board]
	if !ok {
		t = &treap{byID: make(map[string]scoreFP)}
		s.boards[board] = t
	}
	if old, ok := t.byID[subject]; ok {
		if old == ns {
			return nil
		}
		t.root = deleteNode(t.root, subject, old)
	}
	t.byID[subject] = ns
	t.root = insert(t.root, subject, ns, s.rng.Uint64())
	return nil
}

// Rank implements Store.Rank in O(log n).
func (s *TreapStore) Rank(_ context.Context, board types.Board, subject string) (types.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.boards[board]
	if !ok {
		return types.Entry{}, ErrNotFound
	}
	score, ok := t.byID[subject]
	if !ok {
		return types.Entry{}, ErrNotFound
	}
	return types.Entry{Rank: countHigher(t.root, score) + 1, Subject: subject, Score: toFloat(score)}, nil
}

// TopN implements Store.TopN.
func (s *TreapStore) TopN(_ context.Context, board types.Board, n int) ([]types.Entry, error) {
	if n < 1 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.boards[board]
	if !ok {
		return []types.Entry{}, nil
	}
	out := make([]types.Entry, 0, min(n, len(t.byID)))
	collectTopN(t.root, n, &out)
	assignRanksWithTies(out)
	return out, nil
}

// Count implements Store.Count.
func (s *TreapStore) Count(_ context.Context, board types.Board) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.boards[board]; ok {
		return len(t.byID)
	}
	return 0
}

// Boards implements Store.Boards, sorted by kind then category.
func (s *TreapStore) Boards(_ context.Context) []types.Board {
	s.mu.RLock()
	out := make([]types.Board, 0, len(s.boards))
	for b, t := range s.boards {
		if len(t.byID) > 0 {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// startMetricsUpdater publishes the number of ranked voters periodically.
func (s *TreapStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *TreapStore) updateMetrics() {
	s.mu.RLock()
	voters := 0
	for b, t := range s.boards {
		if b.Kind == types.KindVoters {
			voters += len(t.byID)
		}
	}
	s.mu.RUnlock()
	metrics.UpdateRankedVoters(voters)
}
