package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/pipeline"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegistry(t *testing.T) {
	Convey("Given a registry with a 10 minute idle TTL", t, func() {
		ctx := context.Background()
		clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
		coord := pipeline.NewCoordinator(pipeline.Components{}, pipeline.WithClock(clk.Now))
		reg := NewRegistry(10*time.Minute, clk.Now)

		open := coord.Begin(ctx)
		closed := coord.Begin(ctx)
		coord.Cancel(ctx, closed)
		reg.Put(open)
		reg.Put(closed)

		var cancelled []string
		cancel := func(ctx context.Context, a *pipeline.Attempt) {
			cancelled = append(cancelled, a.ID())
			coord.Cancel(ctx, a)
		}

		Convey("Then attempts are found by id", func() {
			a, err := reg.Get(open.ID())
			So(err, ShouldBeNil)
			So(a, ShouldEqual, open)
			So(reg.Len(), ShouldEqual, 2)

			_, err = reg.Get("nope")
			So(errors.Is(err, pipeline.ErrUnknownAttempt), ShouldBeTrue)
		})

		Convey("When nothing has idled out", func() {
			clk.Advance(9 * time.Minute)
			So(reg.Sweep(ctx, cancel), ShouldEqual, 0)
			So(reg.Len(), ShouldEqual, 2)
		})

		Convey("When both attempts idle out", func() {
			clk.Advance(11 * time.Minute)
			n := reg.Sweep(ctx, cancel)

			Convey("Then both are dropped and only the open one is cancelled", func() {
				So(n, ShouldEqual, 2)
				So(reg.Len(), ShouldEqual, 0)
				So(cancelled, ShouldResemble, []string{open.ID()})
				So(open.Stage(), ShouldEqual, pipeline.StageCancelled)
			})
		})

		Convey("When Run is started with a short interval", func() {
			clk.Advance(11 * time.Minute)
			rctx, stop := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				reg.Run(rctx, 5*time.Millisecond, coord.Cancel)
				close(done)
			}()

			deadline := time.Now().Add(time.Second)
			for reg.Len() > 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			stop()
			<-done
			So(reg.Len(), ShouldEqual, 0)
		})
	})
}

// blockingCatalog parks CheckIdentity inside the attempt's stage until
// release is closed.
type blockingCatalog struct {
	entered chan struct{}
	release chan struct{}
}

func (c blockingCatalog) Eligible(context.Context, string, time.Time) (catalog.Dish, catalog.Edition, error) {
	close(c.entered)
	<-c.release
	return catalog.Dish{}, catalog.Edition{}, catalog.ErrUnknownDish
}

func TestRegistrySweepWithBusyAttempt(t *testing.T) {
	Convey("Given an idle attempt stuck inside a running stage", t, func() {
		ctx := context.Background()
		clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
		cat := blockingCatalog{entered: make(chan struct{}), release: make(chan struct{})}
		coord := pipeline.NewCoordinator(pipeline.Components{Catalog: cat}, pipeline.WithClock(clk.Now))
		reg := NewRegistry(10*time.Minute, clk.Now)

		busy := coord.Begin(ctx)
		idle := coord.Begin(ctx)
		reg.Put(busy)
		reg.Put(idle)

		checked := make(chan struct{})
		go func() {
			coord.CheckIdentity(ctx, busy, pipeline.IdentityInput{
				NationalID: "529.982.247-25",
				Phone:      "(51) 98765-4321",
				DishID:     "dev-pastel",
			})
			close(checked)
		}()
		<-cat.entered
		clk.Advance(11 * time.Minute)

		swept := make(chan int, 1)
		go func() { swept <- reg.Sweep(ctx, coord.Cancel) }()

		Convey("Then lookups keep working while the sweep waits on it", func() {
			drained := make(chan struct{})
			go func() {
				for reg.Len() > 0 {
					time.Sleep(time.Millisecond)
				}
				close(drained)
			}()
			var ok bool
			select {
			case <-drained:
				ok = true
			case <-time.After(time.Second):
			}
			So(ok, ShouldBeTrue)

			fresh := coord.Begin(ctx)
			reg.Put(fresh)
			got, err := reg.Get(fresh.ID())
			So(err, ShouldBeNil)
			So(got, ShouldEqual, fresh)

			close(cat.release)
			<-checked
			So(<-swept, ShouldEqual, 2)
			So(busy.Stage(), ShouldEqual, pipeline.StageCancelled)
			So(idle.Stage(), ShouldEqual, pipeline.StageCancelled)
			So(reg.Len(), ShouldEqual, 1)
		})
	})
}
