// Package model contains domain models passed between layers.
package model

import "time"

// VoterIdentity is the normalized identity a voter presents at session start.
type VoterIdentity struct {
	NationalID string // 11 digits
	Phone      string // 13 digits, country prefix included
}

// Challenge is the active one-time code for a phone. Only the keyed digest
// of the code is kept.
type Challenge struct {
	Phone             string    `json:"phone"`
	CodeHash          []byte    `json:"code_hash"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

// Coordinates is a point in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// GeoSample is one location reading taken during a geofence check.
type GeoSample struct {
	Coordinates
	CapturedAt time.Time `json:"captured_at"`
	DistanceKM float64   `json:"distance_km"`
}

// Criteria holds the three rating criteria, each in [0,5].
type Criteria struct {
	Apresentacao float64 `json:"apresentacao"`
	Sabor        float64 `json:"sabor"`
	Experiencia  float64 `json:"experiencia"`
}

// Values returns the criteria in a fixed order.
func (c Criteria) Values() []float64 {
	return []float64{c.Apresentacao, c.Sabor, c.Experiencia}
}

// Ballot is what the voter wants to submit.
type Ballot struct {
	DishID    string   `json:"dish_id"`
	EditionID string   `json:"edition_id"`
	Category  string   `json:"category"`
	Criteria  Criteria `json:"criteria"`
	PhotoRef  string   `json:"photo_ref"`
}

// VoteKey identifies the single vote a voter may cast for a dish in an edition.
type VoteKey struct {
	VoterToken string
	DishID     string
	EditionID  string
}

// String renders the key as a stable storage id.
func (k VoteKey) String() string {
	return k.EditionID + "." + k.DishID + "." + k.VoterToken
}

// Vote is the terminal artifact of a successful pipeline run. Immutable.
type Vote struct {
	ID              string    `json:"id"`
	VoterToken      string    `json:"voter_token"`
	DishID          string    `json:"dish_id"`
	EditionID       string    `json:"edition_id"`
	Category        string    `json:"category"`
	Criteria        Criteria  `json:"criteria"`
	Total           float64   `json:"total"`
	GeoSample       GeoSample `json:"geo_sample"`
	SubmittedAt     time.Time `json:"submitted_at"`
	BadgeUnlocked   string    `json:"badge_unlocked,omitempty"`
	RankingPosition int       `json:"ranking_position,omitempty"`
}

// Key returns the uniqueness key of the vote.
func (v Vote) Key() VoteKey {
	return VoteKey{VoterToken: v.VoterToken, DishID: v.DishID, EditionID: v.EditionID}
}

// RateWindow is the fixed-window counter for one rate-limit key.
type RateWindow struct {
	Key         string    `json:"key"`
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// VoteEvent notifies asynchronous consumers that a vote was committed.
type VoteEvent struct {
	VoteID     string
	VoterToken string
	DishID     string
	Category   string
	Total      float64
	TS         time.Time
}
