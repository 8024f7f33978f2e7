package match

import (
	"errors"
	"time"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusViewed     Status = "viewed"
	StatusInterested Status = "interested"
	StatusRejected   Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusViewed, StatusInterested, StatusRejected:
		return true
	default:
		return false
	}
}

// Record is a scored pairing of one demand and one property. At most one
// non-rejected record exists per pair.
type Record struct {
	ID         string    `json:"id"`
	DemandID   string    `json:"demand_id"`
	PropertyID string    `json:"property_id"`
	Score      int       `json:"score"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpsertResult says what an upsert did to the pair.
type UpsertResult string

const (
	ResultCreated UpsertResult = "created"
	ResultUpdated UpsertResult = "updated"
	// ResultSkipped means the pair was rejected and left alone.
	ResultSkipped UpsertResult = "skipped"
)

var (
	ErrNotFound      = errors.New("match: not found")
	ErrInvalidStatus = errors.New("match: invalid status")
	ErrForbidden     = errors.New("match: not a party to this match")
)
