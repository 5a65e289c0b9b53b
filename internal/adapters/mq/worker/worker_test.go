package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/sabor/internal/adapters/mq/queue"
	"github.com/okian/sabor/internal/adapters/mq/worker"
	"github.com/okian/sabor/internal/adapters/repository"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/types"
	logging "github.com/okian/sabor/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

type mockApplier struct {
	mu      sync.Mutex
	applied map[string]model.VoteEvent
	fail    map[string]error
}

func newMockApplier() *mockApplier {
	return &mockApplier{applied: make(map[string]model.VoteEvent), fail: make(map[string]error)}
}

func (m *mockApplier) Apply(_ context.Context, ev model.VoteEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[ev.VoteID]; ok {
		return err
	}
	m.applied[ev.VoteID] = ev
	return nil
}

func (m *mockApplier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.applied)
}

func (m *mockApplier) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[id]
	return ok
}

// eventually polls cond until it holds or a second passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func event(id, voter string) model.VoteEvent {
	return model.VoteEvent{VoteID: id, VoterToken: voter, DishID: "pastel", Category: "petisco", Total: 4, TS: time.Now()}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running worker", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(10))
		applier := newMockApplier()
		w := worker.NewInMemoryWorker(q, applier, worker.WithName("test-worker"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When an event is queued", func() {
			convey.So(q.Enqueue(ctx, event("v1", "tok-a")), convey.ShouldBeTrue)

			convey.Convey("Then it is applied", func() {
				convey.So(eventually(func() bool { return applier.has("v1") }), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When applying fails", func() {
			applier.mu.Lock()
			applier.fail["bad"] = errors.New("board unavailable")
			applier.mu.Unlock()
			q.Enqueue(ctx, event("bad", "tok-a"))
			q.Enqueue(ctx, event("good", "tok-b"))

			convey.Convey("Then the worker keeps going", func() {
				convey.So(eventually(func() bool { return applier.has("good") }), convey.ShouldBeTrue)
				convey.So(applier.has("bad"), convey.ShouldBeFalse)
			})
		})

		convey.Convey("When shutting down", func() {
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()

			convey.So(w.Shutdown(sctx), convey.ShouldBeNil)
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool of four workers", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(200))
		applier := newMockApplier()
		pool := worker.NewPool(4, q, applier)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		convey.So(pool.Size(), convey.ShouldEqual, 4)
		pool.Start(ctx)

		convey.Convey("When many producers publish concurrently", func() {
			var wg sync.WaitGroup
			for p := 0; p < 5; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for j := 0; j < 20; j++ {
						_ = q.Publish(ctx, event(fmt.Sprintf("v-%d-%d", p, j), fmt.Sprintf("tok-%d", p)))
					}
				}(p)
			}
			wg.Wait()

			convey.Convey("Then every event is applied", func() {
				convey.So(eventually(func() bool { return applier.count() == 100 }), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the pool shuts down", func() {
			q.Enqueue(ctx, event("last", "tok-z"))
			sctx, scancel := context.WithTimeout(context.Background(), time.Second)
			defer scancel()

			convey.So(pool.Shutdown(sctx), convey.ShouldBeNil)

			convey.Convey("Then the queue is closed", func() {
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
				convey.So(q.Enqueue(ctx, event("late", "tok-z")), convey.ShouldBeFalse)
			})
		})
	})

	convey.Convey("Given a pool that was never started", t, func() {
		pool := worker.NewPool(0, queue.NewInMemoryQueue(), newMockApplier())

		convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
		convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
	})
}

func TestPoolFeedsRanking(t *testing.T) {
	convey.Convey("Given a pool applying events to the ranking service", t, func() {
		_ = logging.Init()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := repository.NewTreapStore(ctx)
		defer store.Close()
		svc := ranking.NewService(store, func(err error) bool { return errors.Is(err, repository.ErrNotFound) })

		q := queue.NewInMemoryQueue()
		pool := worker.NewPool(2, q, svc)
		pool.Start(ctx)

		convey.Convey("When a voter's votes are published", func() {
			q.Enqueue(ctx, event("v1", "tok-a"))
			q.Enqueue(ctx, event("v2", "tok-a"))
			q.Enqueue(ctx, event("v3", "tok-b"))

			convey.Convey("Then the voter board ranks the more active voter first", func() {
				board := types.Board{Kind: types.KindVoters, Category: "petisco"}
				convey.So(eventually(func() bool {
					e, err := svc.Rank(ctx, board, "tok-a")
					return err == nil && e.Score == 2
				}), convey.ShouldBeTrue)
				convey.So(eventually(func() bool {
					pos, _ := svc.PositionFor(ctx, "tok-b", "petisco")
					return pos == 2
				}), convey.ShouldBeTrue)
			})
		})
	})
}
