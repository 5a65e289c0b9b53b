package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
)

// Attempt is one voter's walk through the pipeline. It carries only the
// evidence of the stages it passed, so a recoverable failure can re-enter
// the failing stage without repeating earlier ones. Stages of one attempt
// never run concurrently.
type Attempt struct {
	mu sync.Mutex

	id         string
	stage      Stage
	identity   model.VoterIdentity
	voterToken string
	dish       catalog.Dish
	edition    catalog.Edition
	geo        model.GeoSample
	vote       model.Vote
	rejection  *Rejection
	// lastActive holds unix nanoseconds; it is read without mu so sweeps
	// never wait on a running stage.
	lastActive atomic.Int64

	challengeSent     bool
	proven            bool
	located           bool
	rateCounted       bool
	integrityFailures int
	reservation       *dedupe.Reservation
}

// View is a read-only copy of an attempt's state.
type View struct {
	ID          string           `json:"id"`
	Stage       Stage            `json:"stage"`
	DishID      string           `json:"dish_id,omitempty"`
	EditionID   string           `json:"edition_id,omitempty"`
	VoterToken  string           `json:"voter_token,omitempty"`
	GeoSample   *model.GeoSample `json:"geo_sample,omitempty"`
	Vote        *model.Vote      `json:"vote,omitempty"`
	Rejection   *Rejection       `json:"rejection,omitempty"`
	LastActive  time.Time        `json:"last_active"`
	Reservation bool             `json:"-"`
}

// ID returns the attempt id.
func (a *Attempt) ID() string { return a.id }

// View returns a snapshot of the attempt.
func (a *Attempt) View() View {
	a.mu.Lock()
	defer a.mu.Unlock()

	v := View{
		ID:          a.id,
		Stage:       a.stage,
		DishID:      a.dish.ID,
		EditionID:   a.dish.EditionID,
		Rejection:   a.rejection,
		LastActive:  a.IdleSince(),
		Reservation: a.reservation != nil,
	}
	// The token is only revealed once the phone has been proven.
	if a.proven {
		v.VoterToken = a.voterToken
	}
	if a.located {
		geo := a.geo
		v.GeoSample = &geo
	}
	if a.stage == StageSubmitted {
		vote := a.vote
		v.Vote = &vote
	}
	return v
}

// Stage returns the current stage.
func (a *Attempt) Stage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// IdleSince returns when the attempt last ran a stage. It does not wait for
// a stage in progress.
func (a *Attempt) IdleSince() time.Time {
	return time.Unix(0, a.lastActive.Load()).UTC()
}

func (a *Attempt) touch(t time.Time) { a.lastActive.Store(t.UnixNano()) }
