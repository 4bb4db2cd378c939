package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

type TagLinkRow struct {
	UID      string
	UserID   pgtype.UUID
	UserType string
	LinkedAt pgtype.Timestamptz
}

const getTagLink = `
SELECT uid, user_id, user_type, linked_at
FROM user_tag_links
WHERE uid = $1
`

func (q *Queries) GetTagLink(ctx context.Context, uid string) (TagLinkRow, error) {
	var row TagLinkRow
	err := q.db.QueryRow(ctx, getTagLink, uid).
		Scan(&row.UID, &row.UserID, &row.UserType, &row.LinkedAt)
	return row, err
}

const replaceTagLink = `
INSERT INTO user_tag_links (uid, user_id, user_type, linked_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uid) DO UPDATE
SET user_id = EXCLUDED.user_id, user_type = EXCLUDED.user_type, linked_at = EXCLUDED.linked_at
RETURNING uid, user_id, user_type, linked_at
`

func (q *Queries) ReplaceTagLink(ctx context.Context, params TagLinkRow) (TagLinkRow, error) {
	var row TagLinkRow
	err := q.db.QueryRow(ctx, replaceTagLink, params.UID, params.UserID, params.UserType, params.LinkedAt).
		Scan(&row.UID, &row.UserID, &row.UserType, &row.LinkedAt)
	return row, err
}

// InsertTagLink refuses to move a uid between users: the conditional update
// only fires for the same user, so a conflicting uid yields no row.
const insertTagLink = `
INSERT INTO user_tag_links (uid, user_id, user_type, linked_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uid) DO UPDATE
SET user_type = EXCLUDED.user_type, linked_at = EXCLUDED.linked_at
WHERE user_tag_links.user_id = EXCLUDED.user_id
RETURNING uid, user_id, user_type, linked_at
`

func (q *Queries) InsertTagLink(ctx context.Context, params TagLinkRow) (TagLinkRow, error) {
	var row TagLinkRow
	err := q.db.QueryRow(ctx, insertTagLink, params.UID, params.UserID, params.UserType, params.LinkedAt).
		Scan(&row.UID, &row.UserID, &row.UserType, &row.LinkedAt)
	return row, err
}

type SessionRow struct {
	UserID              pgtype.UUID
	Status              string
	CheckedInAt         pgtype.Timestamptz
	LastEventAt         pgtype.Timestamptz
	LastLocation        string
	ConsecutiveTagCount int32
}

const ensureSession = `
INSERT INTO attendance_sessions (user_id, status, checked_in_at, last_event_at, last_location, consecutive_tag_count)
VALUES ($1, 'OUT', NULL, 'epoch', '', 0)
ON CONFLICT (user_id) DO NOTHING
`

func (q *Queries) EnsureSession(ctx context.Context, userID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, ensureSession, userID)
	return err
}

const getSession = `
SELECT user_id, status, checked_in_at, last_event_at, last_location, consecutive_tag_count
FROM attendance_sessions
WHERE user_id = $1
`

func (q *Queries) GetSession(ctx context.Context, userID pgtype.UUID) (SessionRow, error) {
	var row SessionRow
	err := q.db.QueryRow(ctx, getSession, userID).
		Scan(&row.UserID, &row.Status, &row.CheckedInAt, &row.LastEventAt, &row.LastLocation, &row.ConsecutiveTagCount)
	return row, err
}

const getSessionForUpdate = getSession + `FOR UPDATE
`

func (q *Queries) GetSessionForUpdate(ctx context.Context, userID pgtype.UUID) (SessionRow, error) {
	var row SessionRow
	err := q.db.QueryRow(ctx, getSessionForUpdate, userID).
		Scan(&row.UserID, &row.Status, &row.CheckedInAt, &row.LastEventAt, &row.LastLocation, &row.ConsecutiveTagCount)
	return row, err
}

const updateSession = `
UPDATE attendance_sessions
SET status = $2, checked_in_at = $3, last_event_at = $4, last_location = $5, consecutive_tag_count = $6
WHERE user_id = $1
`

func (q *Queries) UpdateSession(ctx context.Context, row SessionRow) error {
	_, err := q.db.Exec(ctx, updateSession,
		row.UserID, row.Status, row.CheckedInAt, row.LastEventAt, row.LastLocation, row.ConsecutiveTagCount)
	return err
}

type EventRow struct {
	ID         pgtype.UUID
	UID        string
	UserID     pgtype.UUID
	UserType   string
	EventType  string
	DeviceType string
	Location   string
	OccurredAt pgtype.Timestamptz
}

const insertEvent = `
INSERT INTO tagging_events (id, uid, user_id, user_type, event_type, device_type, location, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (q *Queries) InsertEvent(ctx context.Context, row EventRow) error {
	_, err := q.db.Exec(ctx, insertEvent,
		row.ID, row.UID, row.UserID, row.UserType, row.EventType, row.DeviceType, row.Location, row.OccurredAt)
	return err
}

const ensureBalance = `
INSERT INTO point_balances (user_id, balance)
VALUES ($1, 0)
ON CONFLICT (user_id) DO NOTHING
`

func (q *Queries) EnsureBalance(ctx context.Context, userID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, ensureBalance, userID)
	return err
}

const addToBalance = `
UPDATE point_balances
SET balance = balance + $2
WHERE user_id = $1
RETURNING balance
`

func (q *Queries) AddToBalance(ctx context.Context, userID pgtype.UUID, amount int32) (int32, error) {
	var balance int32
	err := q.db.QueryRow(ctx, addToBalance, userID, amount).Scan(&balance)
	return balance, err
}

type InsertPointTransactionParams struct {
	ID           pgtype.UUID
	UserID       pgtype.UUID
	SessionKey   string
	Amount       int32
	BalanceAfter int32
	Reason       string
	CreatedAt    pgtype.Timestamptz
}

const insertPointTransaction = `
INSERT INTO point_transactions (id, user_id, session_key, type, amount, balance_after, reason, created_at)
VALUES ($1, $2, $3, 'earn', $4, $5, $6, $7)
ON CONFLICT (user_id, session_key) DO NOTHING
`

func (q *Queries) InsertPointTransaction(ctx context.Context, params InsertPointTransactionParams) (bool, error) {
	tag, err := q.db.Exec(ctx, insertPointTransaction,
		params.ID, params.UserID, params.SessionKey, params.Amount, params.BalanceAfter, params.Reason, params.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type PointTransactionRow struct {
	ID           pgtype.UUID
	Amount       int32
	BalanceAfter int32
}

const getPointTransactionByKey = `
SELECT id, amount, balance_after
FROM point_transactions
WHERE user_id = $1 AND session_key = $2
`

func (q *Queries) GetPointTransactionByKey(ctx context.Context, userID pgtype.UUID, sessionKey string) (PointTransactionRow, error) {
	var row PointTransactionRow
	err := q.db.QueryRow(ctx, getPointTransactionByKey, userID, sessionKey).
		Scan(&row.ID, &row.Amount, &row.BalanceAfter)
	return row, err
}

type EventStatsParams struct {
	Start     pgtype.Timestamptz
	End       pgtype.Timestamptz
	UserType  string
	EventType string
}

type EventStatsRow struct {
	EventType string
	UserType  string
	Location  string
	Total     int64
}

const eventStats = `
SELECT event_type, user_type, location, count(*) AS total
FROM tagging_events
WHERE occurred_at >= $1 AND occurred_at < $2
  AND ($3::text = '' OR user_type = $3)
  AND ($4::text = '' OR event_type = $4)
GROUP BY event_type, user_type, location
`

func (q *Queries) EventStats(ctx context.Context, params EventStatsParams) ([]EventStatsRow, error) {
	rows, err := q.db.Query(ctx, eventStats, params.Start, params.End, params.UserType, params.EventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventStatsRow
	for rows.Next() {
		var row EventStatsRow
		if err := rows.Scan(&row.EventType, &row.UserType, &row.Location, &row.Total); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

const countSessions = `
SELECT count(*) FILTER (WHERE status = 'IN') AS open,
       count(*) FILTER (WHERE status = 'IN' AND checked_in_at <= $1) AS stale
FROM attendance_sessions
`

func (q *Queries) CountSessions(ctx context.Context, staleBefore pgtype.Timestamptz) (open int64, stale int64, err error) {
	err = q.db.QueryRow(ctx, countSessions, staleBefore).Scan(&open, &stale)
	return open, stale, err
}
