// Package ranking maintains per-category boards from committed votes:
// voters ranked by how many votes they cast, dishes by their average total.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/types"
	"github.com/okian/sabor/pkg/metrics"
)

// Boards is the ordered storage behind the service.
type Boards interface {
	Set(ctx context.Context, board types.Board, subject string, score float64) error
	Rank(ctx context.Context, board types.Board, subject string) (types.Entry, error)
	TopN(ctx context.Context, board types.Board, n int) ([]types.Entry, error)
	Count(ctx context.Context, board types.Board) int
	Boards(ctx context.Context) []types.Board
}

type dishTally struct {
	sum   float64
	count int
}

// Service applies vote events to the boards and answers ranking queries.
type Service struct {
	boards     Boards
	seen       dedupe.Ledger
	isNotFound func(error) bool

	mu     sync.Mutex
	voters map[types.Board]map[string]int
	dishes map[string]*dishTally
}

// NewService creates a Service. isNotFound recognizes the boards' "not
// ranked" error.
func NewService(boards Boards, isNotFound func(error) bool) *Service {
	return &Service{
		boards:     boards,
		seen:       dedupe.NewMemoryLedger(),
		isNotFound: isNotFound,
		voters:     make(map[types.Board]map[string]int),
		dishes:     make(map[string]*dishTally),
	}
}

// Apply folds a committed vote into the boards. Replayed events are ignored.
func (s *Service) Apply(ctx context.Context, ev model.VoteEvent) error {
	if ev.VoteID == "" || ev.Category == "" {
		return ErrInvalidEvent
	}
	if s.seen.SeenAndRecord(ctx, ev.VoteID) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vb := types.Board{Kind: types.KindVoters, Category: ev.Category}
	counts, ok := s.voters[vb]
	if !ok {
		counts = make(map[string]int)
		s.voters[vb] = counts
	}
	counts[ev.VoterToken]++

	tally, ok := s.dishes[ev.DishID]
	if !ok {
		tally = &dishTally{}
		s.dishes[ev.DishID] = tally
	}
	tally.sum += ev.Total
	tally.count++

	db := types.Board{Kind: types.KindDishes, Category: ev.Category}
	if err := s.boards.Set(ctx, vb, ev.VoterToken, float64(counts[ev.VoterToken])); err != nil {
		s.seen.Unrecord(ctx, ev.VoteID)
		return fmt.Errorf("update %s: %w", vb, err)
	}
	if err := s.boards.Set(ctx, db, ev.DishID, tally.sum/float64(tally.count)); err != nil {
		return fmt.Errorf("update %s: %w", db, err)
	}
	metrics.RecordRankingUpdate()
	return nil
}

// PositionFor returns the voter's rank in category, or 0 when unranked.
func (s *Service) PositionFor(ctx context.Context, voterToken, category string) (int, error) {
	e, err := s.boards.Rank(ctx, types.Board{Kind: types.KindVoters, Category: category}, voterToken)
	if err != nil {
		if s.isNotFound != nil && s.isNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return e.Rank, nil
}

// TopN returns the leading entries of a board.
func (s *Service) TopN(ctx context.Context, board types.Board, n int) ([]types.Entry, error) {
	if err := validBoard(board); err != nil {
		return nil, err
	}
	return s.boards.TopN(ctx, board, n)
}

// Rank returns subject's entry on board.
func (s *Service) Rank(ctx context.Context, board types.Board, subject string) (types.Entry, error) {
	if err := validBoard(board); err != nil {
		return types.Entry{}, err
	}
	e, err := s.boards.Rank(ctx, board, subject)
	if err != nil && s.isNotFound != nil && s.isNotFound(err) {
		return types.Entry{}, ErrNotRanked
	}
	return e, err
}

// Subjects returns the number of subjects on board.
func (s *Service) Subjects(ctx context.Context, board types.Board) int {
	return s.boards.Count(ctx, board)
}

// BoardSize is one row of Stats.
type BoardSize struct {
	Board    types.Board `json:"board"`
	Subjects int         `json:"subjects"`
}

// Stats reports the size of every non-empty board.
func (s *Service) Stats(ctx context.Context) []BoardSize {
	boards := s.boards.Boards(ctx)
	out := make([]BoardSize, 0, len(boards))
	for _, b := range boards {
		out = append(out, BoardSize{Board: b, Subjects: s.boards.Count(ctx, b)})
	}
	return out
}

func validBoard(b types.Board) error {
	if b.Category == "" || (b.Kind != types.KindVoters && b.Kind != types.KindDishes) {
		return ErrUnknownBoard
	}
	return nil
}

// Errors.
var (
	ErrInvalidEvent = errors.New("vote event missing id or category")
	ErrUnknownBoard = errors.New("unknown board")
	ErrNotRanked    = errors.New("not ranked")
)
