package ranking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/sabor/internal/adapters/repository"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func isNotFound(err error) bool { return errors.Is(err, repository.ErrNotFound) }

func TestService(t *testing.T) {
	Convey("Given a ranking service over a treap store", t, func() {
		ctx := context.Background()
		store := repository.NewTreapStore(ctx)
		defer store.Close()
		svc := ranking.NewService(store, isNotFound)

		event := func(id, voter, dish string, total float64) model.VoteEvent {
			return model.VoteEvent{VoteID: id, VoterToken: voter, DishID: dish, Category: "petisco", Total: total, TS: time.Now()}
		}

		Convey("When votes are applied", func() {
			So(svc.Apply(ctx, event("v1", "ana", "pastel", 5)), ShouldBeNil)
			So(svc.Apply(ctx, event("v2", "ana", "coxinha", 3)), ShouldBeNil)
			So(svc.Apply(ctx, event("v3", "bia", "pastel", 4)), ShouldBeNil)

			Convey("Then voters are ranked by votes cast", func() {
				pos, err := svc.PositionFor(ctx, "ana", "petisco")
				So(err, ShouldBeNil)
				So(pos, ShouldEqual, 1)
				pos, err = svc.PositionFor(ctx, "bia", "petisco")
				So(err, ShouldBeNil)
				So(pos, ShouldEqual, 2)
			})

			Convey("Then dishes are ranked by average total", func() {
				top, err := svc.TopN(ctx, types.Board{Kind: types.KindDishes, Category: "petisco"}, 10)
				So(err, ShouldBeNil)
				So(top, ShouldHaveLength, 2)
				So(top[0].Subject, ShouldEqual, "pastel")
				So(top[0].Score, ShouldEqual, 4.5)
				So(top[1].Subject, ShouldEqual, "coxinha")
			})

			Convey("Then a replayed event is ignored", func() {
				So(svc.Apply(ctx, event("v1", "ana", "pastel", 5)), ShouldBeNil)
				e, err := svc.Rank(ctx, types.Board{Kind: types.KindVoters, Category: "petisco"}, "ana")
				So(err, ShouldBeNil)
				So(e.Score, ShouldEqual, 2)
			})

			Convey("Then stats list both boards", func() {
				stats := svc.Stats(ctx)
				So(stats, ShouldHaveLength, 2)
				So(stats[0].Board.Kind, ShouldEqual, types.KindDishes)
				So(stats[0].Subjects, ShouldEqual, 2)
				So(stats[1].Subjects, ShouldEqual, 2)
			})
		})

		Convey("When a voter has no votes in a category", func() {
			pos, err := svc.PositionFor(ctx, "nobody", "petisco")

			Convey("Then the position is zero", func() {
				So(err, ShouldBeNil)
				So(pos, ShouldEqual, 0)
			})

			Convey("Then Rank reports not ranked", func() {
				_, err := svc.Rank(ctx, types.Board{Kind: types.KindVoters, Category: "petisco"}, "nobody")
				So(err, ShouldEqual, ranking.ErrNotRanked)
			})
		})

		Convey("When the board is unknown", func() {
			_, err := svc.TopN(ctx, types.Board{Kind: "venues", Category: "x"}, 5)
			So(err, ShouldEqual, ranking.ErrUnknownBoard)
		})

		Convey("When an event is malformed", func() {
			So(svc.Apply(ctx, model.VoteEvent{VoteID: "x"}), ShouldEqual, ranking.ErrInvalidEvent)
		})
	})
}
