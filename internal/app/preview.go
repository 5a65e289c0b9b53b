package service

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/types"
)

// Preview describes a dish before the voter rates it: its edition window
// and where it stands on its category board. The lookups are read-only and
// run concurrently.
func (s *Service) Preview(ctx context.Context, dishID string) (types.DishPreview, error) {
	if _, _, err := s.running(); err != nil {
		return types.DishPreview{}, err
	}
	dish, err := s.catalog.Dish(ctx, dishID)
	if err != nil {
		return types.DishPreview{}, err
	}
	board := types.Board{Kind: types.KindDishes, Category: dish.Category}

	var (
		edition    catalog.Edition
		standing   *types.Entry
		contenders int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		edition, err = s.catalog.Edition(gctx, dish.EditionID)
		return err
	})
	g.Go(func() error {
		e, err := s.ranking.Rank(gctx, board, dish.ID)
		switch {
		case errors.Is(err, ranking.ErrNotRanked):
			return nil
		case err != nil:
			return err
		}
		standing = &e
		return nil
	})
	g.Go(func() error {
		contenders = s.ranking.Subjects(gctx, board)
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.DishPreview{}, err
	}

	return types.DishPreview{
		DishID:     dish.ID,
		Name:       dish.Name,
		Category:   dish.Category,
		Venue:      dish.Venue,
		EditionID:  edition.ID,
		Open:       edition.Open(s.now()),
		ClosesAt:   edition.ClosesAt,
		Standing:   standing,
		Contenders: contenders,
	}, nil
}
