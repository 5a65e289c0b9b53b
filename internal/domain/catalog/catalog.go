// Package catalog lists the editions and the dishes eligible for votes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/sabor/internal/domain/model"
)

var (
	ErrUnknownDish    = errors.New("unknown dish")
	ErrUnknownEdition = errors.New("unknown edition")
	ErrEditionClosed  = errors.New("edition is not open for votes")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Edition is a time-boxed instance of the event within a city.
type Edition struct {
	ID       string    `json:"id"`
	City     string    `json:"city"`
	OpensAt  time.Time `json:"opens_at"`
	ClosesAt time.Time `json:"closes_at"`
}

// Open reports whether votes are accepted at t. The window is [OpensAt, ClosesAt).
func (e Edition) Open(t time.Time) bool {
	return !t.Before(e.OpensAt) && t.Before(e.ClosesAt)
}

// Dish is a vote-eligible dish and the venue serving it.
type Dish struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Category  string            `json:"category"`
	EditionID string            `json:"edition_id"`
	Venue     string            `json:"venue"`
	Location  model.Coordinates `json:"location"`
	RadiusKM  float64           `json:"radius_km"`
}

// Catalog is immutable after construction and safe for concurrent reads.
type Catalog struct {
	editions map[string]Edition
	dishes   map[string]Dish
}

// New builds a Catalog. Every dish must reference a listed edition and
// carry a positive radius.
func New(editions []Edition, dishes []Dish) (*Catalog, error) {
	c := &Catalog{
		editions: make(map[string]Edition, len(editions)),
		dishes:   make(map[string]Dish, len(dishes)),
	}
	for _, e := range editions {
		if e.ID == "" || !e.ClosesAt.After(e.OpensAt) {
			return nil, fmt.Errorf("%w: edition %q", ErrInvalidCatalog, e.ID)
		}
		c.editions[e.ID] = e
	}
	for _, d := range dishes {
		if _, ok := c.editions[d.EditionID]; !ok {
			return nil, fmt.Errorf("%w: dish %q references edition %q", ErrInvalidCatalog, d.ID, d.EditionID)
		}
		if d.ID == "" || d.Category == "" || d.RadiusKM <= 0 {
			return nil, fmt.Errorf("%w: dish %q", ErrInvalidCatalog, d.ID)
		}
		if _, dup := c.dishes[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate dish %q", ErrInvalidCatalog, d.ID)
		}
		c.dishes[d.ID] = d
	}
	return c, nil
}

// Dish returns the dish with id.
func (c *Catalog) Dish(_ context.Context, id string) (Dish, error) {
	d, ok := c.dishes[id]
	if !ok {
		return Dish{}, ErrUnknownDish
	}
	return d, nil
}

// Edition returns the edition with id.
func (c *Catalog) Edition(_ context.Context, id string) (Edition, error) {
	e, ok := c.editions[id]
	if !ok {
		return Edition{}, ErrUnknownEdition
	}
	return e, nil
}

// Eligible returns the dish and its edition when votes for it are accepted at t.
func (c *Catalog) Eligible(ctx context.Context, dishID string, t time.Time) (Dish, Edition, error) {
	d, err := c.Dish(ctx, dishID)
	if err != nil {
		return Dish{}, Edition{}, err
	}
	e, err := c.Edition(ctx, d.EditionID)
	if err != nil {
		return Dish{}, Edition{}, err
	}
	if !e.Open(t) {
		return Dish{}, Edition{}, ErrEditionClosed
	}
	return d, e, nil
}

// Dishes returns all dishes sorted by id.
func (c *Catalog) Dishes() []Dish {
	out := make([]Dish, 0, len(c.dishes))
	for _, d := range c.dishes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
