package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/sabor/internal/adapters/http/api"
	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/pipeline"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

// mockDependencies answers from canned values and records what it received.
type mockDependencies struct {
	attemptID string
	views     map[string]pipeline.View
	failWith  map[string]error // per operation

	identity pipeline.IdentityInput
	code     string
	location model.Coordinates
	locErr   error
	submit   pipeline.SubmitInput
	canceled []string

	entries []types.Entry
	board   types.Board
	rank    types.Entry
	preview types.DishPreview
}

func newMock() *mockDependencies {
	return &mockDependencies{
		attemptID: "att-1",
		views:     map[string]pipeline.View{"att-1": {ID: "att-1", Stage: pipeline.StageIdentityCheck}},
		failWith:  map[string]error{},
	}
}

func (m *mockDependencies) known(id string) error {
	if _, ok := m.views[id]; !ok {
		return pipeline.ErrUnknownAttempt
	}
	return nil
}

func (m *mockDependencies) Begin(context.Context) (pipeline.View, error) {
	if err := m.failWith["begin"]; err != nil {
		return pipeline.View{}, err
	}
	return m.views[m.attemptID], nil
}

func (m *mockDependencies) View(_ context.Context, id string) (pipeline.View, error) {
	if err := m.known(id); err != nil {
		return pipeline.View{}, err
	}
	return m.views[id], nil
}

func (m *mockDependencies) CheckIdentity(_ context.Context, id string, in pipeline.IdentityInput) (catalog.Dish, error) {
	if err := m.known(id); err != nil {
		return catalog.Dish{}, err
	}
	m.identity = in
	if err := m.failWith["identity"]; err != nil {
		return catalog.Dish{}, err
	}
	return catalog.Dish{ID: in.DishID, Name: "Pastel", Category: "petisco"}, nil
}

func (m *mockDependencies) SendChallenge(_ context.Context, id string) (challenge.Issued, error) {
	if err := m.known(id); err != nil {
		return challenge.Issued{}, err
	}
	if err := m.failWith["challenge"]; err != nil {
		return challenge.Issued{}, err
	}
	return challenge.Issued{
		Phone:             "5551987654321",
		ExpiresAt:         time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC),
		ExpiresIn:         time.Minute,
		AttemptsRemaining: 5,
	}, nil
}

func (m *mockDependencies) ConfirmChallenge(_ context.Context, id, code string) (string, error) {
	if err := m.known(id); err != nil {
		return "", err
	}
	m.code = code
	if err := m.failWith["verify"]; err != nil {
		return "", err
	}
	return "tok-1", nil
}

func (m *mockDependencies) CheckLocation(ctx context.Context, id string, src geofence.Source) (model.GeoSample, error) {
	if err := m.known(id); err != nil {
		return model.GeoSample{}, err
	}
	c, err := src.Acquire(ctx, time.Second)
	m.location, m.locErr = c, err
	if err != nil {
		return model.GeoSample{}, &pipeline.Rejection{
			Stage: pipeline.StageGeofenceCheck, Class: pipeline.ClassLocation,
			Code: pipeline.CodePermissionDenied, Recoverable: true, Err: err,
		}
	}
	return model.GeoSample{Coordinates: c, DistanceKM: 0.01}, nil
}

func (m *mockDependencies) Submit(_ context.Context, id string, in pipeline.SubmitInput) (model.Vote, error) {
	if err := m.known(id); err != nil {
		return model.Vote{}, err
	}
	m.submit = in
	if err := m.failWith["submit"]; err != nil {
		return model.Vote{}, err
	}
	return model.Vote{ID: "vote-1", VoterToken: "tok-1", DishID: "pastel", Total: 4.3, BadgeUnlocked: "primeiro-voto"}, nil
}

func (m *mockDependencies) Cancel(_ context.Context, id string) error {
	if err := m.known(id); err != nil {
		return err
	}
	m.canceled = append(m.canceled, id)
	return nil
}

func (m *mockDependencies) Preview(_ context.Context, dishID string) (types.DishPreview, error) {
	if dishID != m.preview.DishID {
		return types.DishPreview{}, catalog.ErrUnknownDish
	}
	return m.preview, nil
}

func (m *mockDependencies) TopN(_ context.Context, board types.Board, n int) ([]types.Entry, error) {
	m.board = board
	if err := m.failWith["topn"]; err != nil {
		return nil, err
	}
	if n > len(m.entries) {
		return m.entries, nil
	}
	return m.entries[:n], nil
}

func (m *mockDependencies) Rank(_ context.Context, board types.Board, subject string) (types.Entry, error) {
	m.board = board
	if subject != m.rank.Subject {
		return types.Entry{}, ranking.ErrNotRanked
	}
	return m.rank, nil
}

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func newMux(deps *mockDependencies) *http.ServeMux {
	mux := http.NewServeMux()
	stats := &mockStatsProvider{stats: map[string]interface{}{"started": true, "activeAttempts": 2}}
	api.NewServer(deps, stats, 50).Register(context.Background(), mux)
	return mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeBody(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func rejection(class pipeline.Class, code pipeline.Code, recoverable bool) *pipeline.Rejection {
	return &pipeline.Rejection{Stage: pipeline.StageIdentityCheck, Class: class, Code: code, Recoverable: recoverable, Err: errors.New(string(code))}
}

func TestServer_Register(t *testing.T) {
	Convey("Given a registered API server", t, func() {
		deps := newMock()
		mux := newMux(deps)

		Convey("Then the health endpoint serves metrics", func() {
			w := do(mux, http.MethodGet, "/healthz", "")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then the stats endpoint serves provider stats", func() {
			w := do(mux, http.MethodGet, "/stats", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldContainSubstring, "application/json")
			So(decodeBody(w)["activeAttempts"], ShouldEqual, float64(2))
		})

		Convey("Then routes reject the wrong method", func() {
			w := do(mux, http.MethodGet, "/attempts/att-1/submit", "")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
		})
	})
}

func TestAttemptHandler(t *testing.T) {
	Convey("Given an API server over mocked attempts", t, func() {
		deps := newMock()
		mux := newMux(deps)

		Convey("When a voter begins an attempt", func() {
			w := do(mux, http.MethodPost, "/attempts", `{"national_id":"529.982.247-25","phone":"(51) 98765-4321","dish_id":"pastel"}`)

			Convey("Then the attempt is created past identity", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				body := decodeBody(w)
				So(body["attempt_id"], ShouldEqual, "att-1")
				So(body["stage"], ShouldEqual, "challenge_check")
				So(deps.identity.DishID, ShouldEqual, "pastel")
				So(deps.identity.NationalID, ShouldEqual, "529.982.247-25")
			})
		})

		Convey("When identity is rejected at begin", func() {
			deps.failWith["identity"] = rejection(pipeline.ClassValidation, pipeline.CodeInvalidNationalID, true)
			w := do(mux, http.MethodPost, "/attempts", `{"national_id":"1","phone":"2","dish_id":"pastel"}`)

			Convey("Then the rejection still names the attempt", func() {
				So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
				body := decodeBody(w)
				So(body["code"], ShouldEqual, "InvalidNationalID")
				So(body["class"], ShouldEqual, "ValidationError")
				So(body["stage"], ShouldEqual, "identity_check")
				So(body["recoverable"], ShouldBeTrue)
				So(body["attempt_id"], ShouldEqual, "att-1")
			})
		})

		Convey("When the body is malformed", func() {
			w := do(mux, http.MethodPost, "/attempts", `{"national_id":`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeBody(w)["code"], ShouldEqual, "bad_request")
		})

		Convey("When the body has unknown fields", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/identity", `{"cpf":"x"}`)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When identity is corrected on an existing attempt", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/identity", `{"national_id":"529.982.247-25","phone":"(51) 98765-4321","dish_id":"coxinha"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.identity.DishID, ShouldEqual, "coxinha")
		})

		Convey("When the attempt is viewed", func() {
			w := do(mux, http.MethodGet, "/attempts/att-1", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["stage"], ShouldEqual, "identity_check")
		})

		Convey("When the attempt is unknown", func() {
			for _, tc := range []struct{ method, path, body string }{
				{http.MethodGet, "/attempts/nope", ""},
				{http.MethodPost, "/attempts/nope/challenge", ""},
				{http.MethodPost, "/attempts/nope/verify", `{"code":"123456"}`},
				{http.MethodDelete, "/attempts/nope", ""},
			} {
				w := do(mux, tc.method, tc.path, tc.body)
				So(w.Code, ShouldEqual, http.StatusNotFound)
			}
		})

		Convey("When a challenge is sent", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/challenge", "")

			Convey("Then the phone is masked", func() {
				So(w.Code, ShouldEqual, http.StatusAccepted)
				body := decodeBody(w)
				So(body["sent_to"], ShouldEqual, "*********4321")
				So(body["expires_in_seconds"], ShouldEqual, float64(60))
				So(body["attempts_remaining"], ShouldEqual, float64(5))
			})
		})

		Convey("When the code is verified", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/verify", `{"code":"123456"}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["voter_token"], ShouldEqual, "tok-1")
			So(deps.code, ShouldEqual, "123456")
		})

		Convey("When a location reading is posted", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/location", `{"latitude":-30.0277,"longitude":-51.2287}`)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.location.Latitude, ShouldEqual, -30.0277)
			So(decodeBody(w)["stage"], ShouldEqual, "duplicate_check")
		})

		Convey("When the client reports a location failure", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/location", `{"error":"permission_denied"}`)
			So(w.Code, ShouldEqual, http.StatusForbidden)
			So(errors.Is(deps.locErr, geofence.ErrPermissionDenied), ShouldBeTrue)
		})

		Convey("When the location body is incomplete", func() {
			So(do(mux, http.MethodPost, "/attempts/att-1/location", `{"latitude":1}`).Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodPost, "/attempts/att-1/location", `{"error":"gps_on_fire"}`).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When a ballot is submitted", func() {
			w := do(mux, http.MethodPost, "/attempts/att-1/submit",
				`{"criteria":{"apresentacao":4,"sabor":5,"experiencia":4},"photo_ref":"s3://photos/1.jpg"}`)
			So(w.Code, ShouldEqual, http.StatusCreated)
			body := decodeBody(w)
			So(body["id"], ShouldEqual, "vote-1")
			So(body["badge_unlocked"], ShouldEqual, "primeiro-voto")
			So(deps.submit.Criteria.Sabor, ShouldEqual, 5.0)
			So(deps.submit.PhotoRef, ShouldEqual, "s3://photos/1.jpg")
		})

		Convey("When a duplicate ballot is submitted", func() {
			deps.failWith["submit"] = rejection(pipeline.ClassDuplicate, pipeline.CodeAlreadyVoted, false)
			w := do(mux, http.MethodPost, "/attempts/att-1/submit", `{"criteria":{"apresentacao":4,"sabor":5,"experiencia":4},"photo_ref":"p"}`)
			So(w.Code, ShouldEqual, http.StatusConflict)
			So(decodeBody(w)["recoverable"], ShouldBeNil)
		})

		Convey("When a transport fault surfaces", func() {
			deps.failWith["submit"] = rejection(pipeline.ClassUnclassified, pipeline.CodeInternal, false)
			w := do(mux, http.MethodPost, "/attempts/att-1/submit", `{"criteria":{"apresentacao":4,"sabor":5,"experiencia":4},"photo_ref":"p"}`)

			Convey("Then the cause is not exposed", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
				So(decodeBody(w)["message"], ShouldEqual, "Unclassified: Internal")
			})
		})

		Convey("When an unexpected error surfaces", func() {
			deps.failWith["begin"] = fmt.Errorf("registry full")
			w := do(mux, http.MethodPost, "/attempts", `{"national_id":"1","phone":"2","dish_id":"x"}`)
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
			So(decodeBody(w)["code"], ShouldEqual, "internal_error")
		})

		Convey("When the attempt is cancelled", func() {
			w := do(mux, http.MethodDelete, "/attempts/att-1", "")
			So(w.Code, ShouldEqual, http.StatusNoContent)
			So(deps.canceled, ShouldResemble, []string{"att-1"})
		})
	})
}

func TestRejectionStatus(t *testing.T) {
	Convey("Given every rejection class", t, func() {
		cases := []struct {
			class pipeline.Class
			code  pipeline.Code
			want  int
		}{
			{pipeline.ClassValidation, pipeline.CodeInvalidPhone, http.StatusUnprocessableEntity},
			{pipeline.ClassValidation, pipeline.CodeWrongStage, http.StatusConflict},
			{pipeline.ClassValidation, pipeline.CodeAttemptClosed, http.StatusConflict},
			{pipeline.ClassChallenge, pipeline.CodeCodeMismatch, http.StatusForbidden},
			{pipeline.ClassChallenge, pipeline.CodeRateLimited, http.StatusTooManyRequests},
			{pipeline.ClassChallenge, pipeline.CodeDispatchFailed, http.StatusBadGateway},
			{pipeline.ClassLocation, pipeline.CodeOutOfRadius, http.StatusForbidden},
			{pipeline.ClassDuplicate, pipeline.CodeAlreadyVoted, http.StatusConflict},
			{pipeline.ClassIntegrity, pipeline.CodePhotoRejected, http.StatusUnprocessableEntity},
			{pipeline.ClassIntegrity, pipeline.CodeAnalysisFailed, http.StatusBadGateway},
			{pipeline.ClassRateLimit, pipeline.CodeVoterRateLimited, http.StatusTooManyRequests},
			{pipeline.ClassInvalidCriteria, pipeline.CodeInvalidCriteria, http.StatusUnprocessableEntity},
			{pipeline.ClassUnclassified, pipeline.CodeInternal, http.StatusInternalServerError},
		}
		for _, tc := range cases {
			So(api.RejectionStatus(&pipeline.Rejection{Class: tc.class, Code: tc.code}), ShouldEqual, tc.want)
		}
	})
}

func TestLeaderboardHandler(t *testing.T) {
	Convey("Given a leaderboard over three dishes", t, func() {
		deps := newMock()
		deps.entries = []types.Entry{
			{Rank: 1, Subject: "pastel", Score: 4.7},
			{Rank: 2, Subject: "coxinha", Score: 4.2},
			{Rank: 3, Subject: "bolinho", Score: 3.9},
		}
		mux := newMux(deps)

		Convey("When the top two are requested", func() {
			w := do(mux, http.MethodGet, "/leaderboard?category=petisco&limit=2", "")

			Convey("Then the dish board is read", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				var got []types.Entry
				So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
				So(len(got), ShouldEqual, 2)
				So(got[0].Subject, ShouldEqual, "pastel")
				So(deps.board, ShouldResemble, types.Board{Kind: types.KindDishes, Category: "petisco"})
			})
		})

		Convey("When no limit is given", func() {
			w := do(mux, http.MethodGet, "/leaderboard?category=petisco&kind=voters", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.board.Kind, ShouldEqual, types.KindVoters)
		})

		Convey("When the board is empty", func() {
			deps.entries = nil
			w := do(mux, http.MethodGet, "/leaderboard?category=sobremesa", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("When the query is invalid", func() {
			So(do(mux, http.MethodGet, "/leaderboard", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/leaderboard?category=petisco&kind=venues", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/leaderboard?category=petisco&limit=0", "").Code, ShouldEqual, http.StatusBadRequest)
			So(do(mux, http.MethodGet, "/leaderboard?category=petisco&limit=abc", "").Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the limit exceeds the maximum", func() {
			w := do(mux, http.MethodGet, "/leaderboard?category=petisco&limit=51", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(decodeBody(w)["code"], ShouldEqual, "limit_exceeded")
		})

		Convey("When the store fails", func() {
			deps.failWith["topn"] = errors.New("boom")
			w := do(mux, http.MethodGet, "/leaderboard?category=petisco", "")
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
		})
	})
}

func TestRankHandler(t *testing.T) {
	Convey("Given a ranked voter", t, func() {
		deps := newMock()
		deps.rank = types.Entry{Rank: 3, Subject: "tok-1", Score: 7}
		mux := newMux(deps)

		Convey("When the voter's rank is requested", func() {
			w := do(mux, http.MethodGet, "/rank/tok-1?category=petisco", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decodeBody(w)["rank"], ShouldEqual, float64(3))
			So(deps.board.Kind, ShouldEqual, types.KindVoters)
		})

		Convey("When the subject is not ranked", func() {
			w := do(mux, http.MethodGet, "/rank/tok-2?category=petisco", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When the category is missing", func() {
			w := do(mux, http.MethodGet, "/rank/tok-1", "")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestPreviewHandler(t *testing.T) {
	Convey("Given a dish preview", t, func() {
		deps := newMock()
		deps.preview = types.DishPreview{DishID: "pastel", Name: "Pastel", Category: "petisco", Open: true, Contenders: 4}
		mux := newMux(deps)

		Convey("When a known dish is previewed", func() {
			w := do(mux, http.MethodGet, "/dishes/pastel/preview", "")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decodeBody(w)
			So(body["open"], ShouldBeTrue)
			So(body["contenders"], ShouldEqual, float64(4))
			So(body["standing"], ShouldBeNil)
		})

		Convey("When the dish is unknown", func() {
			w := do(mux, http.MethodGet, "/dishes/nope/preview", "")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestErrors(t *testing.T) {
	Convey("Given wrapped API errors", t, func() {
		cause := errors.New("cause")
		err := api.WrapKind("api.op", api.ErrBadRequest, cause)

		So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
		So(errors.Is(err, cause), ShouldBeTrue)
		So(err.Error(), ShouldEqual, "api.op: bad request: cause")
		So(api.Wrap("api.op", nil), ShouldBeNil)
		So(api.NewKind("api.op", api.ErrNotFound).Error(), ShouldEqual, "api.op: not found")
	})
}
