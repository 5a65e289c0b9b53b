package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	. "github.com/smartystreets/goconvey/convey"

	service "github.com/okian/sabor/internal/app"
	"github.com/okian/sabor/internal/config"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/integrity"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/pipeline"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/types"
	"github.com/okian/sabor/pkg/logger"
)

const (
	cpf   = "529.982.247-25"
	phone = "(51) 98765-4321"
	code  = "123456"
	dish  = "dev-pastel"
)

var (
	venue    = model.Coordinates{Latitude: -23.5505, Longitude: -46.6333}
	petiscos = types.Board{Kind: types.KindVoters, Category: "petisco"}
)

type verdictRemote struct {
	verdict integrity.Verdict
}

func (r verdictRemote) Analyze(context.Context, string) (integrity.Verdict, error) {
	return r.verdict, nil
}

func fixedCode() (string, error) { return code, nil }

func newService(t *testing.T, cfg *config.Config, opts ...service.Option) *service.Service {
	t.Helper()
	opts = append([]service.Option{
		service.WithLogger(logger.Nop()),
		service.WithCodeGenerator(fixedCode),
		service.WithIntegrityRemote(verdictRemote{integrity.Verdict{Valid: true, Confidence: 0.9}}),
	}, opts...)
	svc := service.New(cfg, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func testConfig() *config.Config {
	cfg := config.New(context.Background())
	cfg.WorkerCount = 2
	return cfg
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// vote walks one attempt through every stage and returns the result of Submit.
func vote(ctx context.Context, svc *service.Service) (model.Vote, string, error) {
	view, err := svc.Begin(ctx)
	So(err, ShouldBeNil)
	id := view.ID

	_, err = svc.CheckIdentity(ctx, id, pipeline.IdentityInput{NationalID: cpf, Phone: phone, DishID: dish})
	So(err, ShouldBeNil)
	_, err = svc.SendChallenge(ctx, id)
	So(err, ShouldBeNil)
	_, err = svc.ConfirmChallenge(ctx, id, code)
	So(err, ShouldBeNil)
	_, err = svc.CheckLocation(ctx, id, geofence.Reported{Coordinates: venue})
	So(err, ShouldBeNil)

	v, err := svc.Submit(ctx, id, pipeline.SubmitInput{
		Criteria: model.Criteria{Apresentacao: 4, Sabor: 5, Experiencia: 4},
		PhotoRef: "photos/pastel.jpg",
	})
	return v, id, err
}

func TestServiceLifecycle(t *testing.T) {
	Convey("Given a service that was never started", t, func() {
		svc := service.New(testConfig(), service.WithLogger(logger.Nop()))

		Convey("Then operations report it", func() {
			_, err := svc.Begin(context.Background())
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.GetStats()["started"], ShouldBeFalse)
			So(svc.Stop, ShouldNotPanic)
		})
	})

	Convey("Given a config with an invalid catalog", t, func() {
		cfg := testConfig()
		cfg.Dishes[0].Category = ""
		svc := service.New(cfg, service.WithLogger(logger.Nop()))

		Convey("Then Start fails", func() {
			err := svc.Start(context.Background())
			So(errors.Is(err, service.ErrStart), ShouldBeTrue)
		})
	})

	Convey("Given a started service", t, func() {
		svc := newService(t, testConfig())

		Convey("Then starting again is a no-op", func() {
			So(svc.Start(context.Background()), ShouldBeNil)
			stats := svc.GetStats()
			So(stats["started"], ShouldBeTrue)
			So(stats["workerCount"], ShouldEqual, 2)
			So(stats["dishes"], ShouldEqual, 2)
			So(stats["backend"], ShouldEqual, config.BackendMemory)
		})
	})
}

func TestServiceVoteFlow(t *testing.T) {
	Convey("Given a started in-memory service", t, func() {
		ctx := context.Background()
		svc := newService(t, testConfig())

		Convey("When a voter completes every stage", func() {
			v, id, err := vote(ctx, svc)

			Convey("Then the vote is recorded with the first-vote badge", func() {
				So(err, ShouldBeNil)
				So(v.Total, ShouldEqual, 4.3)
				So(v.BadgeUnlocked, ShouldEqual, "primeiro-voto")

				view, err := svc.View(ctx, id)
				So(err, ShouldBeNil)
				So(view.Stage, ShouldEqual, pipeline.StageSubmitted)
				So(view.Vote.ID, ShouldEqual, v.ID)
			})

			Convey("And the ranking workers pick it up", func() {
				So(eventually(func() bool {
					e, err := svc.Rank(ctx, petiscos, v.VoterToken)
					return err == nil && e.Rank == 1 && e.Score == 1
				}), ShouldBeTrue)

				top, err := svc.TopN(ctx, types.Board{Kind: types.KindDishes, Category: "petisco"}, 5)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 1)
				So(top[0].Subject, ShouldEqual, dish)
				So(top[0].Score, ShouldEqual, 4.3)
			})

			Convey("And a second vote for the same dish is a duplicate", func() {
				_, _, err := vote(ctx, svc)
				r, ok := pipeline.AsRejection(err)
				So(ok, ShouldBeTrue)
				So(r.Class, ShouldEqual, pipeline.ClassDuplicate)
				So(r.Code, ShouldEqual, pipeline.CodeAlreadyVoted)
			})
		})

		Convey("When a stage is called on an unknown attempt", func() {
			_, err := svc.SendChallenge(ctx, "missing")
			So(errors.Is(err, pipeline.ErrUnknownAttempt), ShouldBeTrue)
			So(errors.Is(svc.Cancel(ctx, "missing"), pipeline.ErrUnknownAttempt), ShouldBeTrue)
		})

		Convey("When a voter cancels midway", func() {
			view, err := svc.Begin(ctx)
			So(err, ShouldBeNil)
			_, err = svc.CheckIdentity(ctx, view.ID, pipeline.IdentityInput{NationalID: cpf, Phone: phone, DishID: dish})
			So(err, ShouldBeNil)
			So(svc.Cancel(ctx, view.ID), ShouldBeNil)

			Convey("Then later stages see a closed attempt", func() {
				_, err := svc.SendChallenge(ctx, view.ID)
				r, ok := pipeline.AsRejection(err)
				So(ok, ShouldBeTrue)
				So(r.Code, ShouldEqual, pipeline.CodeAttemptClosed)
			})
		})

		Convey("When identity is invalid", func() {
			view, err := svc.Begin(ctx)
			So(err, ShouldBeNil)
			_, err = svc.CheckIdentity(ctx, view.ID, pipeline.IdentityInput{NationalID: "111.111.111-11", Phone: phone, DishID: dish})

			Convey("Then the rejection is recoverable", func() {
				r, ok := pipeline.AsRejection(err)
				So(ok, ShouldBeTrue)
				So(r.Class, ShouldEqual, pipeline.ClassValidation)
				So(r.Recoverable, ShouldBeTrue)
			})
		})
	})
}

func TestServicePreview(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		svc := newService(t, testConfig())

		Convey("When a dish without votes is previewed", func() {
			p, err := svc.Preview(ctx, dish)
			So(err, ShouldBeNil)
			So(p.Open, ShouldBeTrue)
			So(p.EditionID, ShouldEqual, "dev")
			So(p.Standing, ShouldBeNil)
			So(p.Contenders, ShouldEqual, 0)
		})

		Convey("When the dish has a vote", func() {
			_, _, err := vote(ctx, svc)
			So(err, ShouldBeNil)

			So(eventually(func() bool {
				p, err := svc.Preview(ctx, dish)
				return err == nil && p.Standing != nil && p.Standing.Rank == 1 && p.Contenders == 1
			}), ShouldBeTrue)
		})

		Convey("When the dish is unknown", func() {
			_, err := svc.Preview(ctx, "nope")
			So(err, ShouldNotBeNil)
		})

		Convey("When the rank of an unranked voter is requested", func() {
			_, err := svc.Rank(ctx, petiscos, "nobody")
			So(errors.Is(err, ranking.ErrNotRanked), ShouldBeTrue)
		})
	})
}

func TestServiceSQLiteBackend(t *testing.T) {
	Convey("Given a service on the sqlite backend", t, func() {
		ctx := context.Background()
		cfg := testConfig()
		cfg.StorageBackend = config.BackendSQLite
		cfg.StorageDSN = filepath.Join(t.TempDir(), "votes.db")
		svc := newService(t, cfg)

		Convey("Then votes are unique per voter and dish", func() {
			_, _, err := vote(ctx, svc)
			So(err, ShouldBeNil)

			_, _, err = vote(ctx, svc)
			r, ok := pipeline.AsRejection(err)
			So(ok, ShouldBeTrue)
			So(r.Code, ShouldEqual, pipeline.CodeAlreadyVoted)
		})
	})
}

func TestServiceNATSBackend(t *testing.T) {
	Convey("Given a service on the nats backend with OTP dispatch over NATS", t, func() {
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			JetStream: true,
			StoreDir:  t.TempDir(),
			NoLog:     true,
			NoSigs:    true,
		})
		So(err, ShouldBeNil)
		go ns.Start()
		So(ns.ReadyForConnections(5*time.Second), ShouldBeTrue)
		defer ns.Shutdown()

		sub, err := nats.Connect(ns.ClientURL())
		So(err, ShouldBeNil)
		defer sub.Close()
		var (
			mu         sync.Mutex
			deliveries int
		)
		_, err = sub.Subscribe("sabor.otp", func(*nats.Msg) {
			mu.Lock()
			deliveries++
			mu.Unlock()
		})
		So(err, ShouldBeNil)
		So(sub.Flush(), ShouldBeNil)

		cfg := testConfig()
		cfg.StorageBackend = config.BackendNATS
		cfg.NATSURL = ns.ClientURL()
		cfg.OTPSubject = "sabor.otp"
		svc := service.New(cfg,
			service.WithLogger(logger.Nop()),
			service.WithCodeGenerator(fixedCode),
			service.WithIntegrityRemote(verdictRemote{integrity.Verdict{Valid: true, Confidence: 0.9}}),
		)
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()

		Convey("When a voter votes twice", func() {
			ctx := context.Background()
			v, _, err := vote(ctx, svc)
			So(err, ShouldBeNil)
			So(v.BadgeUnlocked, ShouldEqual, "primeiro-voto")

			_, _, err = vote(ctx, svc)

			Convey("Then the second is a duplicate and both codes were dispatched", func() {
				r, ok := pipeline.AsRejection(err)
				So(ok, ShouldBeTrue)
				So(r.Code, ShouldEqual, pipeline.CodeAlreadyVoted)
				So(eventually(func() bool {
					mu.Lock()
					defer mu.Unlock()
					return deliveries == 2
				}), ShouldBeTrue)
			})
		})
	})
}
