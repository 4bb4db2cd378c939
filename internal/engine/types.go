package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusOut SessionStatus = "OUT"
	StatusIn  SessionStatus = "IN"
)

type EventType string

const (
	EventAttendance EventType = "attendance"
	EventCheckout   EventType = "checkout"
	EventVisit      EventType = "visit"
	EventDuplicate  EventType = "duplicate"
)

const (
	UserTypeStudent = "student"
	UserTypeTeacher = "teacher"
	UserTypeStaff   = "staff"
)

// TagLink binds a physical card uid to a user. A uid links to at most one
// user at a time; a user may hold several uids.
type TagLink struct {
	UID      string
	UserID   uuid.UUID
	UserType string
	LinkedAt time.Time
}

// Session is a user's current in/out attendance state. It is materialized
// lazily with default OUT and is only ever mutated by the classifier.
type Session struct {
	UserID              uuid.UUID
	Status              SessionStatus
	CheckedInAt         *time.Time
	LastEventAt         time.Time
	LastLocation        string
	ConsecutiveTagCount int
}

// Event is one accepted scan, append-only. Duplicates are recorded with
// their own event type for audit rather than dropped.
type Event struct {
	ID         uuid.UUID
	UID        string
	UserID     uuid.UUID
	UserType   string
	Type       EventType
	DeviceType string
	Location   string
	OccurredAt time.Time
}

// MaxAwardAmount bounds a single credit. Amounts are stored in 32-bit
// columns; anything above this is a caller error, not a credit.
const MaxAwardAmount = 1_000_000

// Award is the idempotency unit for point credits: at most one transaction
// exists per (UserID, SessionKey).
type Award struct {
	UserID     uuid.UUID
	SessionKey string
	Amount     int
	Reason     string
}

type AwardResult struct {
	TransactionID  uuid.UUID
	PointsAwarded  int
	NewBalance     int
	AlreadyAwarded bool
}

// StatsFilter selects events in [Start, End). UserType and EventType are
// optional exact-match filters.
type StatsFilter struct {
	Start     time.Time
	End       time.Time
	UserType  string
	EventType string
}

type StatsReport struct {
	Total       int64            `json:"total"`
	ByEventType map[string]int64 `json:"byEventType"`
	ByUserType  map[string]int64 `json:"byUserType"`
	ByLocation  map[string]int64 `json:"byLocation"`
}

// Store is the persistence contract the engine runs against. The pgx-backed
// implementation lives in internal/db; an in-memory one backs the tests.
type Store interface {
	// ResolveTag returns the current link for a uid, or ErrUnregisteredTag.
	ResolveTag(ctx context.Context, uid string) (TagLink, error)

	// SaveTagLink creates the link. When the uid is already held by a
	// different user it returns ErrTagAlreadyLinked unless replace is set,
	// in which case the link moves to the new user.
	SaveTagLink(ctx context.Context, link TagLink, replace bool) (TagLink, error)

	// GetSession returns the user's session, materializing the default OUT
	// state on first access.
	GetSession(ctx context.Context, userID uuid.UUID) (Session, error)

	// MutateSession runs fn with exclusive ownership of the user's session.
	// The mutated session and the event fn returns commit atomically; on
	// error nothing is persisted. Concurrent-write failures surface as
	// ErrStateConflict.
	MutateSession(ctx context.Context, userID uuid.UUID, fn func(s *Session) (*Event, error)) (Session, error)

	// AwardPoints inserts the transaction only if none exists for the award
	// key, crediting the balance in the same transaction. A replay returns
	// the prior result with AlreadyAwarded set.
	AwardPoints(ctx context.Context, award Award) (AwardResult, error)

	// EventStats aggregates the event log for the given filter.
	EventStats(ctx context.Context, filter StatsFilter) (StatsReport, error)
}

func ValidUserType(userType string) bool {
	switch userType {
	case UserTypeStudent, UserTypeTeacher, UserTypeStaff:
		return true
	}
	return false
}

func ValidEventType(eventType string) bool {
	switch EventType(eventType) {
	case EventAttendance, EventCheckout, EventVisit, EventDuplicate:
		return true
	}
	return false
}
