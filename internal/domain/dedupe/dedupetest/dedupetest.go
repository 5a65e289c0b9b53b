// Package dedupetest holds behaviour checks every dedupe.Store must pass.
package dedupetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// Vote builds a vote for key.
func Vote(key model.VoteKey) model.Vote {
	return model.Vote{
		ID:          key.String(),
		VoterToken:  key.VoterToken,
		DishID:      key.DishID,
		EditionID:   key.EditionID,
		Category:    "petisco",
		Criteria:    model.Criteria{Apresentacao: 4, Sabor: 5, Experiencia: 3},
		Total:       4,
		SubmittedAt: time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC),
	}
}

// RunStore exercises store. newStore must return an empty store.
func RunStore(t *testing.T, newStore func() dedupe.Store) {
	Convey("Given an empty vote store", t, func() {
		ctx := context.Background()
		store := newStore()
		key := model.VoteKey{VoterToken: "tok-a", DishID: "feijoada", EditionID: "poa-2026"}
		const holder = "holder-1"

		Convey("When a key is reserved", func() {
			So(store.Reserve(ctx, key, holder), ShouldBeNil)

			Convey("Then a second reservation is refused", func() {
				So(errors.Is(store.Reserve(ctx, key, "holder-2"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
			})

			Convey("Then other dishes, editions and voters are independent", func() {
				So(store.Reserve(ctx, model.VoteKey{VoterToken: "tok-a", DishID: "pastel", EditionID: "poa-2026"}, "h2"), ShouldBeNil)
				So(store.Reserve(ctx, model.VoteKey{VoterToken: "tok-a", DishID: "feijoada", EditionID: "poa-2027"}, "h3"), ShouldBeNil)
				So(store.Reserve(ctx, model.VoteKey{VoterToken: "tok-b", DishID: "feijoada", EditionID: "poa-2026"}, "h4"), ShouldBeNil)
			})

			Convey("Then another holder can neither release nor commit it", func() {
				So(store.Release(ctx, key, "holder-2"), ShouldBeNil)
				So(errors.Is(store.Reserve(ctx, key, "holder-2"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
				So(errors.Is(store.Commit(ctx, "holder-2", Vote(key)), dedupe.ErrReservationLost), ShouldBeTrue)
				So(store.Commit(ctx, holder, Vote(key)), ShouldBeNil)
			})

			Convey("And released", func() {
				So(store.Release(ctx, key, holder), ShouldBeNil)

				Convey("Then it can be reserved again", func() {
					So(store.Reserve(ctx, key, "holder-2"), ShouldBeNil)
				})
			})

			Convey("And committed", func() {
				So(store.Commit(ctx, holder, Vote(key)), ShouldBeNil)

				Convey("Then every later reservation is AlreadyVoted", func() {
					for i := 0; i < 3; i++ {
						So(errors.Is(store.Reserve(ctx, key, "later"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
					}
				})

				Convey("Then release does not undo the vote", func() {
					So(store.Release(ctx, key, holder), ShouldBeNil)
					So(errors.Is(store.Reserve(ctx, key, "later"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
				})

				Convey("Then the voter history counts it", func() {
					n, err := store.CountByVoter(ctx, "tok-a")
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 1)
					n, err = store.CountByVoter(ctx, "tok-b")
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 0)
				})

				Convey("Then committing again is AlreadyVoted", func() {
					So(errors.Is(store.Commit(ctx, holder, Vote(key)), dedupe.ErrAlreadyVoted), ShouldBeTrue)
				})
			})
		})

		Convey("When committing without a reservation", func() {
			err := store.Commit(ctx, holder, Vote(key))
			So(errors.Is(err, dedupe.ErrNotReserved), ShouldBeTrue)
		})

		Convey("When many submissions race for one key", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			reserved := 0
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if store.Reserve(ctx, key, fmt.Sprintf("racer-%d", i)) == nil {
						mu.Lock()
						reserved++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			Convey("Then exactly one wins", func() {
				So(reserved, ShouldEqual, 1)
			})
		})
	})
}

// RunTakeover exercises reservation takeover. newStore must return an empty
// store that lets a reservation older than ttl, as read from clock, be
// claimed again.
func RunTakeover(t *testing.T, ttl time.Duration, newStore func(clock func() time.Time) dedupe.Store) {
	Convey("Given a vote store with a reservation TTL", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)
		store := newStore(func() time.Time { return now })
		key := model.VoteKey{VoterToken: "tok-a", DishID: "pastel", EditionID: "poa-2026"}
		So(store.Reserve(ctx, key, "stalled"), ShouldBeNil)

		Convey("When the reservation is fresh", func() {
			now = now.Add(ttl / 2)

			Convey("Then it blocks others", func() {
				So(errors.Is(store.Reserve(ctx, key, "late"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
			})
		})

		Convey("When the holder stalls past the TTL and another takes over", func() {
			now = now.Add(ttl + time.Second)
			So(store.Reserve(ctx, key, "taker"), ShouldBeNil)

			Convey("Then the stalled holder cannot release the new reservation", func() {
				So(store.Release(ctx, key, "stalled"), ShouldBeNil)
				So(errors.Is(store.Reserve(ctx, key, "third"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
				So(store.Commit(ctx, "taker", Vote(key)), ShouldBeNil)
			})

			Convey("Then the stalled holder's commit is lost and the taker's lands", func() {
				So(errors.Is(store.Commit(ctx, "stalled", Vote(key)), dedupe.ErrReservationLost), ShouldBeTrue)
				So(store.Commit(ctx, "taker", Vote(key)), ShouldBeNil)

				n, err := store.CountByVoter(ctx, "tok-a")
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
			})

			Convey("Then a stalled commit after the taker's is AlreadyVoted", func() {
				So(store.Commit(ctx, "taker", Vote(key)), ShouldBeNil)
				So(errors.Is(store.Commit(ctx, "stalled", Vote(key)), dedupe.ErrAlreadyVoted), ShouldBeTrue)
			})
		})

		Convey("When the vote was committed long ago", func() {
			So(store.Commit(ctx, "stalled", Vote(key)), ShouldBeNil)
			now = now.Add(24 * time.Hour)

			Convey("Then it is still AlreadyVoted", func() {
				So(errors.Is(store.Reserve(ctx, key, "late"), dedupe.ErrAlreadyVoted), ShouldBeTrue)
			})
		})
	})
}
