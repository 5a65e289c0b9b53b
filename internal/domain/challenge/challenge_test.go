package challenge_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/ratelimit"
	. "github.com/smartystreets/goconvey/convey"
)

const phone = "(11) 98765-4321"

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

// recordingTransport captures deliveries and can be told to fail or stall.
type recordingTransport struct {
	mu         sync.Mutex
	deliveries []challenge.Delivery
	err        error
	stall      bool
}

func (r *recordingTransport) Deliver(ctx context.Context, d challenge.Delivery) error {
	if r.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) last() challenge.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveries[len(r.deliveries)-1]
}

func sequentialCodes(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
}

func TestServiceStart(t *testing.T) {
	Convey("Given a challenge service", t, func() {
		ctx := context.Background()
		clk := &clock{t: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
		tr := &recordingTransport{}
		store := challenge.NewMemoryStore()
		svc := challenge.NewService(store, tr,
			challenge.WithClock(clk.Now),
			challenge.WithCodeGenerator(sequentialCodes("111111", "222222")),
		)

		Convey("When starting a challenge for a valid phone", func() {
			issued, err := svc.Start(ctx, phone)

			Convey("Then a code is delivered with a 60s expiry and 5 attempts", func() {
				So(err, ShouldBeNil)
				So(issued.Phone, ShouldEqual, "5511987654321")
				So(issued.ExpiresIn, ShouldEqual, 60*time.Second)
				So(issued.ExpiresAt, ShouldEqual, clk.Now().Add(60*time.Second))
				So(issued.AttemptsRemaining, ShouldEqual, 5)
				So(tr.last().Code, ShouldEqual, "111111")
			})

			Convey("Then the stored challenge does not contain the code", func() {
				c, _, err := store.Load(ctx, "5511987654321")
				So(err, ShouldBeNil)
				So(string(c.CodeHash), ShouldNotContainSubstring, "111111")
			})
		})

		Convey("When the phone is invalid", func() {
			_, err := svc.Start(ctx, "12345")
			So(err, ShouldEqual, challenge.ErrInvalidPhone)
		})

		Convey("When a second challenge supersedes the first", func() {
			_, err := svc.Start(ctx, phone)
			So(err, ShouldBeNil)
			_, err = svc.Start(ctx, phone)
			So(err, ShouldBeNil)

			Convey("Then the old code no longer verifies", func() {
				So(svc.Verify(ctx, phone, "111111"), ShouldEqual, challenge.ErrCodeMismatch)
				So(svc.Verify(ctx, phone, "222222"), ShouldBeNil)
			})
		})

		Convey("When the transport fails", func() {
			tr.err = errors.New("gateway down")
			_, err := svc.Start(ctx, phone)

			Convey("Then Start reports DispatchFailed and withdraws the challenge", func() {
				So(errors.Is(err, challenge.ErrDispatchFailed), ShouldBeTrue)
				So(svc.Verify(ctx, phone, "111111"), ShouldEqual, challenge.ErrNoActiveChallenge)
			})
		})
	})

	Convey("Given a transport that never answers", t, func() {
		ctx := context.Background()
		svc := challenge.NewService(challenge.NewMemoryStore(), &recordingTransport{stall: true},
			challenge.WithDispatchTimeout(20*time.Millisecond))

		Convey("When starting a challenge", func() {
			_, err := svc.Start(ctx, phone)

			Convey("Then the dispatch timeout surfaces as DispatchFailed", func() {
				So(errors.Is(err, challenge.ErrDispatchFailed), ShouldBeTrue)
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			})
		})
	})

	Convey("Given a per-phone rate limit of 2", t, func() {
		ctx := context.Background()
		limiter := ratelimit.New(ratelimit.NewMemoryStore())
		svc := challenge.NewService(challenge.NewMemoryStore(), &recordingTransport{},
			challenge.WithPhoneRateLimit(limiter, 2, time.Minute))

		Convey("When a third challenge is requested", func() {
			_, err1 := svc.Start(ctx, phone)
			_, err2 := svc.Start(ctx, "+55 11 98765 4321")
			_, err3 := svc.Start(ctx, phone)

			Convey("Then it is rate limited across phone spellings", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(err3, ShouldEqual, challenge.ErrRateLimited)
			})
		})
	})
}

func TestServiceVerify(t *testing.T) {
	Convey("Given an issued challenge", t, func() {
		ctx := context.Background()
		clk := &clock{t: time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)}
		svc := challenge.NewService(challenge.NewMemoryStore(), &recordingTransport{},
			challenge.WithClock(clk.Now),
			challenge.WithMaxAttempts(5),
			challenge.WithCodeGenerator(sequentialCodes("123456")),
		)
		_, err := svc.Start(ctx, phone)
		So(err, ShouldBeNil)

		Convey("When the correct code is given", func() {
			err := svc.Verify(ctx, phone, "123-456")

			Convey("Then it succeeds once and then there is no active challenge", func() {
				So(err, ShouldBeNil)
				So(svc.Verify(ctx, phone, "123456"), ShouldEqual, challenge.ErrNoActiveChallenge)
			})
		})

		Convey("When the code is verified after expiry", func() {
			clk.Advance(61 * time.Second)

			Convey("Then it is Expired even with the right code, and the challenge is gone", func() {
				So(svc.Verify(ctx, phone, "123456"), ShouldEqual, challenge.ErrExpired)
				So(svc.Verify(ctx, phone, "123456"), ShouldEqual, challenge.ErrNoActiveChallenge)
			})
		})

		Convey("When exactly at expiry", func() {
			clk.Advance(60 * time.Second)

			Convey("Then the code is still accepted", func() {
				So(svc.Verify(ctx, phone, "123456"), ShouldBeNil)
			})
		})

		Convey("When N wrong codes are given", func() {
			for i := 0; i < 5; i++ {
				So(svc.Verify(ctx, phone, "000000"), ShouldEqual, challenge.ErrCodeMismatch)
			}

			Convey("Then the next call is AttemptsExhausted, even with the right code", func() {
				So(svc.Verify(ctx, phone, "123456"), ShouldEqual, challenge.ErrAttemptsExhausted)
				So(svc.Verify(ctx, phone, "000000"), ShouldEqual, challenge.ErrAttemptsExhausted)
			})
		})

		Convey("When no challenge exists for another phone", func() {
			So(svc.Verify(ctx, "(21) 91234-5678", "123456"), ShouldEqual, challenge.ErrNoActiveChallenge)
		})
	})
}

func TestServiceVerifyConcurrent(t *testing.T) {
	Convey("Given an issued challenge with 5 attempts", t, func() {
		ctx := context.Background()
		store := challenge.NewMemoryStore()
		svc := challenge.NewService(store, &recordingTransport{},
			challenge.WithCodeGenerator(sequentialCodes("123456")))
		_, err := svc.Start(ctx, phone)
		So(err, ShouldBeNil)

		Convey("When many wrong codes race", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			results := map[error]int{}
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := svc.Verify(ctx, phone, "999999")
					mu.Lock()
					results[err]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			Convey("Then at most 5 mismatches are counted and attempts never go negative", func() {
				So(results[challenge.ErrCodeMismatch], ShouldBeLessThanOrEqualTo, 5)
				c, _, err := store.Load(ctx, "5511987654321")
				So(err, ShouldBeNil)
				So(c.AttemptsRemaining, ShouldBeGreaterThanOrEqualTo, 0)
			})
		})
	})
}

func TestRandomCode(t *testing.T) {
	Convey("Given random codes", t, func() {
		for i := 0; i < 100; i++ {
			code, err := challenge.RandomCode()
			So(err, ShouldBeNil)
			So(len(code), ShouldEqual, 6)
		}
	})
}
