// Package repository holds the ranking boards behind the leaderboard.
package repository

import (
	"context"

	"github.com/okian/sabor/internal/domain/types"
)

// Store provides read/write access to the ranking boards.
type Store interface {
	// Set records subject's current score on board, replacing any previous score.
	Set(ctx context.Context, board types.Board, subject string, score float64) error

	// Rank returns subject's rank and score on board.
	// Returns ErrNotFound if the subject is not on the board.
	Rank(ctx context.Context, board types.Board, subject string) (types.Entry, error)

	// TopN returns the top-N entries of board ordered by score desc.
	TopN(ctx context.Context, board types.Board, n int) ([]types.Entry, error)

	// Count returns the number of subjects on board.
	Count(ctx context.Context, board types.Board) int

	// Boards lists the boards that have at least one subject.
	Boards(ctx context.Context) []types.Board
}
