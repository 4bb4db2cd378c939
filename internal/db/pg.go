package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func pgTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgTime(*t)
}

func timePtrFromPg(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}

// Sessions that never saw a scan carry the epoch sentinel in the database;
// the engine expects the zero time for those.
func lastEventFromPg(t pgtype.Timestamptz) time.Time {
	if !t.Valid || !t.Time.After(time.Unix(0, 0)) {
		return time.Time{}
	}
	return t.Time.UTC()
}

func pgLastEvent(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgTime(time.Unix(0, 0))
	}
	return pgTime(t)
}
