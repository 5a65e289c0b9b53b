// Package types contains common types used across the application
package types

import "time"

// Entry represents a leaderboard entry
type Entry struct {
	Rank    int     `json:"rank"`
	Subject string  `json:"subject"`
	Score   float64 `json:"score"`
}

// Board names a ranking board: what is ranked, within which category.
type Board struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
}

// Board kinds.
const (
	KindVoters = "voters" // voters ranked by number of votes cast
	KindDishes = "dishes" // dishes ranked by average total
)

// String renders the board as "kind/category".
func (b Board) String() string { return b.Kind + "/" + b.Category }

// DishPreview is what a voter sees before rating a dish.
type DishPreview struct {
	DishID    string    `json:"dish_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Venue     string    `json:"venue"`
	EditionID string    `json:"edition_id"`
	Open      bool      `json:"open"`
	ClosesAt  time.Time `json:"closes_at"`
	// Standing is the dish's entry on its category board, nil before its first vote.
	Standing *Entry `json:"standing,omitempty"`
	// Contenders is the number of ranked dishes in the category.
	Contenders int `json:"contenders"`
}
