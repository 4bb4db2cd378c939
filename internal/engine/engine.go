// Package engine decides what a raw tag scan means: check-in, check-out,
// visit or duplicate. It owns the per-user attendance session exclusively
// and credits attendance points exactly once per session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolpass/tagging/internal/metrics"
)

type Engine struct {
	store  Store
	policy Policy
	log    *zap.Logger
	now    func() time.Time
}

func New(store Store, policy Policy, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  store,
		policy: policy,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type ScanRequest struct {
	UID        string
	DeviceType string
	Location   string
}

type ScanResult struct {
	EventType EventType
	Message   string
	Session   Session
}

// ProcessTag classifies one scan. The read-classify-write of the session and
// the event append commit as one unit; a conflicting concurrent write is
// retried exactly once.
func (e *Engine) ProcessTag(ctx context.Context, req ScanRequest) (ScanResult, error) {
	if strings.TrimSpace(req.UID) == "" {
		return ScanResult{}, fmt.Errorf("%w: uid required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.DeviceType) == "" {
		return ScanResult{}, fmt.Errorf("%w: deviceType required", ErrInvalidInput)
	}

	link, err := e.store.ResolveTag(ctx, req.UID)
	if err != nil {
		return ScanResult{}, err
	}

	now := e.now()
	var eventType EventType
	apply := func() (Session, error) {
		return e.store.MutateSession(ctx, link.UserID, func(s *Session) (*Event, error) {
			eventType = classify(s, e.policy, now, req.DeviceType, req.Location)
			return &Event{
				ID:         uuid.New(),
				UID:        req.UID,
				UserID:     link.UserID,
				UserType:   link.UserType,
				Type:       eventType,
				DeviceType: req.DeviceType,
				Location:   req.Location,
				OccurredAt: now,
			}, nil
		})
	}

	session, err := apply()
	if errors.Is(err, ErrStateConflict) {
		metrics.ClassifyRetries.Inc()
		session, err = apply()
	}
	if err != nil {
		return ScanResult{}, err
	}

	metrics.EventsTotal.WithLabelValues(string(eventType)).Inc()
	e.log.Debug("scan classified",
		zap.String("uid", req.UID),
		zap.String("user_id", link.UserID.String()),
		zap.String("event_type", string(eventType)),
		zap.String("device_type", req.DeviceType))

	return ScanResult{
		EventType: eventType,
		Message:   messageFor(eventType),
		Session:   session,
	}, nil
}

type ConfirmRequest struct {
	UID           string
	ReservationID string
	// Points <= 0 means the configured default.
	Points int
}

// ConfirmAttendance credits attendance points for the currently open
// check-in, or for an explicit reservation. Replays for the same key return
// the prior result instead of a fresh credit.
func (e *Engine) ConfirmAttendance(ctx context.Context, req ConfirmRequest) (AwardResult, error) {
	if strings.TrimSpace(req.UID) == "" {
		return AwardResult{}, fmt.Errorf("%w: uid required", ErrInvalidInput)
	}
	points := req.Points
	if points <= 0 {
		points = e.policy.DefaultAwardPoints
	}
	if points > MaxAwardAmount {
		return AwardResult{}, fmt.Errorf("%w: points above %d", ErrInvalidInput, MaxAwardAmount)
	}

	link, err := e.store.ResolveTag(ctx, req.UID)
	if err != nil {
		return AwardResult{}, err
	}

	var sessionKey string
	if req.ReservationID != "" {
		sessionKey = "reservation:" + req.ReservationID
	} else {
		session, err := e.store.GetSession(ctx, link.UserID)
		if err != nil {
			return AwardResult{}, err
		}
		if session.Status != StatusIn || session.CheckedInAt == nil {
			return AwardResult{}, ErrNoActiveSession
		}
		sessionKey = "checkin:" + session.CheckedInAt.UTC().Format(time.RFC3339Nano)
	}

	result, err := e.store.AwardPoints(ctx, Award{
		UserID:     link.UserID,
		SessionKey: sessionKey,
		Amount:     points,
		Reason:     "attendance",
	})
	if err != nil {
		return AwardResult{}, err
	}
	if result.AlreadyAwarded {
		metrics.AwardReplays.Inc()
	} else {
		metrics.PointsAwarded.Add(float64(result.PointsAwarded))
	}
	return result, nil
}

type RegisterRequest struct {
	UID      string
	UserID   uuid.UUID
	UserType string
	// Replace relinks a uid already held by another user.
	Replace bool
}

// RegisterTag creates the uid-to-user link. Scans never create links; this
// is the only way a uid becomes known.
func (e *Engine) RegisterTag(ctx context.Context, req RegisterRequest) (TagLink, error) {
	if strings.TrimSpace(req.UID) == "" {
		return TagLink{}, fmt.Errorf("%w: uid required", ErrInvalidInput)
	}
	if req.UserID == uuid.Nil {
		return TagLink{}, fmt.Errorf("%w: userId required", ErrInvalidInput)
	}
	if !ValidUserType(req.UserType) {
		return TagLink{}, fmt.Errorf("%w: userType must be student, teacher or staff", ErrInvalidInput)
	}
	link, err := e.store.SaveTagLink(ctx, TagLink{
		UID:      strings.TrimSpace(req.UID),
		UserID:   req.UserID,
		UserType: req.UserType,
		LinkedAt: e.now(),
	}, req.Replace)
	if err != nil {
		return TagLink{}, err
	}
	e.log.Info("tag registered",
		zap.String("uid", link.UID),
		zap.String("user_id", link.UserID.String()),
		zap.String("user_type", link.UserType),
		zap.Bool("replace", req.Replace))
	return link, nil
}

// Stats aggregates the event log over [filter.Start, filter.End).
func (e *Engine) Stats(ctx context.Context, filter StatsFilter) (StatsReport, error) {
	if filter.Start.IsZero() || filter.End.IsZero() {
		return StatsReport{}, fmt.Errorf("%w: start and end dates required", ErrInvalidInput)
	}
	if filter.End.Before(filter.Start) {
		return StatsReport{}, fmt.Errorf("%w: end date before start date", ErrInvalidInput)
	}
	if filter.UserType != "" && !ValidUserType(filter.UserType) {
		return StatsReport{}, fmt.Errorf("%w: unknown userType", ErrInvalidInput)
	}
	if filter.EventType != "" && !ValidEventType(filter.EventType) {
		return StatsReport{}, fmt.Errorf("%w: unknown eventType", ErrInvalidInput)
	}
	return e.store.EventStats(ctx, filter)
}
