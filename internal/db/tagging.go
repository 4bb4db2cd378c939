package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"schoolpass/tagging/internal/engine"
)

// Store satisfies engine.Store.
var _ engine.Store = (*Store)(nil)

func (s *Store) ResolveTag(ctx context.Context, uid string) (engine.TagLink, error) {
	row, err := s.Queries.GetTagLink(ctx, uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.TagLink{}, engine.ErrUnregisteredTag
	}
	if err != nil {
		return engine.TagLink{}, mapStoreError(err)
	}
	return tagLinkFromRow(row), nil
}

func (s *Store) SaveTagLink(ctx context.Context, link engine.TagLink, replace bool) (engine.TagLink, error) {
	params := TagLinkRow{
		UID:      link.UID,
		UserID:   pgUUID(link.UserID),
		UserType: link.UserType,
		LinkedAt: pgTime(link.LinkedAt),
	}
	var (
		row TagLinkRow
		err error
	)
	if replace {
		row, err = s.Queries.ReplaceTagLink(ctx, params)
	} else {
		row, err = s.Queries.InsertTagLink(ctx, params)
		if errors.Is(err, pgx.ErrNoRows) {
			// The conditional upsert yields no row exactly when the uid
			// belongs to someone else.
			return engine.TagLink{}, engine.ErrTagAlreadyLinked
		}
	}
	if err != nil {
		return engine.TagLink{}, mapStoreError(err)
	}
	return tagLinkFromRow(row), nil
}

func (s *Store) GetSession(ctx context.Context, userID uuid.UUID) (engine.Session, error) {
	id := pgUUID(userID)
	if err := s.Queries.EnsureSession(ctx, id); err != nil {
		return engine.Session{}, mapStoreError(err)
	}
	row, err := s.Queries.GetSession(ctx, id)
	if err != nil {
		return engine.Session{}, mapStoreError(err)
	}
	return sessionFromRow(row), nil
}

func (s *Store) MutateSession(ctx context.Context, userID uuid.UUID, fn func(sess *engine.Session) (*engine.Event, error)) (engine.Session, error) {
	id := pgUUID(userID)
	var out engine.Session
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.EnsureSession(ctx, id); err != nil {
			return err
		}
		row, err := q.GetSessionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		session := sessionFromRow(row)
		event, err := fn(&session)
		if err != nil {
			return err
		}
		if err := q.UpdateSession(ctx, sessionToRow(session)); err != nil {
			return err
		}
		if event != nil {
			if err := q.InsertEvent(ctx, eventToRow(*event)); err != nil {
				return err
			}
		}
		out = session
		return nil
	})
	if err != nil {
		return engine.Session{}, mapStoreError(err)
	}
	return out, nil
}

var errAwardReplay = errors.New("award replay")

func (s *Store) AwardPoints(ctx context.Context, award engine.Award) (engine.AwardResult, error) {
	id := pgUUID(award.UserID)
	transactionID := uuid.New()
	var result engine.AwardResult
	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.EnsureBalance(ctx, id); err != nil {
			return err
		}
		// The balance update row-locks the user's balance, serializing
		// concurrent confirmations for the same key before the insert.
		balance, err := q.AddToBalance(ctx, id, int32(award.Amount))
		if err != nil {
			return err
		}
		inserted, err := q.InsertPointTransaction(ctx, InsertPointTransactionParams{
			ID:           pgUUID(transactionID),
			UserID:       id,
			SessionKey:   award.SessionKey,
			Amount:       int32(award.Amount),
			BalanceAfter: balance,
			Reason:       award.Reason,
			CreatedAt:    pgTime(time.Now().UTC()),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Roll the balance credit back; the prior transaction answers.
			return errAwardReplay
		}
		result = engine.AwardResult{
			TransactionID: transactionID,
			PointsAwarded: award.Amount,
			NewBalance:    int(balance),
		}
		return nil
	})
	if errors.Is(err, errAwardReplay) {
		row, err := s.Queries.GetPointTransactionByKey(ctx, id, award.SessionKey)
		if err != nil {
			return engine.AwardResult{}, mapStoreError(err)
		}
		return engine.AwardResult{
			TransactionID:  fromPgUUID(row.ID),
			PointsAwarded:  int(row.Amount),
			NewBalance:     int(row.BalanceAfter),
			AlreadyAwarded: true,
		}, nil
	}
	if err != nil {
		return engine.AwardResult{}, mapStoreError(err)
	}
	return result, nil
}

func (s *Store) EventStats(ctx context.Context, filter engine.StatsFilter) (engine.StatsReport, error) {
	rows, err := s.Queries.EventStats(ctx, EventStatsParams{
		Start:     pgTime(filter.Start),
		End:       pgTime(filter.End),
		UserType:  filter.UserType,
		EventType: filter.EventType,
	})
	if err != nil {
		return engine.StatsReport{}, mapStoreError(err)
	}
	report := engine.StatsReport{
		ByEventType: make(map[string]int64),
		ByUserType:  make(map[string]int64),
		ByLocation:  make(map[string]int64),
	}
	for _, row := range rows {
		report.Total += row.Total
		report.ByEventType[row.EventType] += row.Total
		report.ByUserType[row.UserType] += row.Total
		if row.Location != "" {
			report.ByLocation[row.Location] += row.Total
		}
	}
	return report, nil
}

// SessionCounts reports how many sessions are checked in, and how many of
// those checked in at or before staleBefore. Used by the watcher job.
func (s *Store) SessionCounts(ctx context.Context, staleBefore time.Time) (open int64, stale int64, err error) {
	open, stale, err = s.Queries.CountSessions(ctx, pgTime(staleBefore))
	if err != nil {
		return 0, 0, mapStoreError(err)
	}
	return open, stale, nil
}

func tagLinkFromRow(row TagLinkRow) engine.TagLink {
	return engine.TagLink{
		UID:      row.UID,
		UserID:   fromPgUUID(row.UserID),
		UserType: row.UserType,
		LinkedAt: row.LinkedAt.Time.UTC(),
	}
}

func sessionFromRow(row SessionRow) engine.Session {
	return engine.Session{
		UserID:              fromPgUUID(row.UserID),
		Status:              engine.SessionStatus(row.Status),
		CheckedInAt:         timePtrFromPg(row.CheckedInAt),
		LastEventAt:         lastEventFromPg(row.LastEventAt),
		LastLocation:        row.LastLocation,
		ConsecutiveTagCount: int(row.ConsecutiveTagCount),
	}
}

func sessionToRow(session engine.Session) SessionRow {
	return SessionRow{
		UserID:              pgUUID(session.UserID),
		Status:              string(session.Status),
		CheckedInAt:         pgTimePtr(session.CheckedInAt),
		LastEventAt:         pgLastEvent(session.LastEventAt),
		LastLocation:        session.LastLocation,
		ConsecutiveTagCount: int32(session.ConsecutiveTagCount),
	}
}

func eventToRow(event engine.Event) EventRow {
	return EventRow{
		ID:         pgUUID(event.ID),
		UID:        event.UID,
		UserID:     pgUUID(event.UserID),
		UserType:   event.UserType,
		EventType:  string(event.Type),
		DeviceType: event.DeviceType,
		Location:   event.Location,
		OccurredAt: pgTime(event.OccurredAt),
	}
}
