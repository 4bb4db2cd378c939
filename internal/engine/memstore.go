package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by the unit tests and for running
// the server without a database. Per-user mutexes give MutateSession the
// same single-writer-per-key discipline the row lock gives the pgx store.
type MemoryStore struct {
	mu       sync.Mutex
	links    map[string]TagLink
	sessions map[uuid.UUID]Session
	userMu   map[uuid.UUID]*sync.Mutex
	events   []Event
	awards   map[string]AwardResult
	balances map[uuid.UUID]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:    make(map[string]TagLink),
		sessions: make(map[uuid.UUID]Session),
		userMu:   make(map[uuid.UUID]*sync.Mutex),
		awards:   make(map[string]AwardResult),
		balances: make(map[uuid.UUID]int),
	}
}

func (m *MemoryStore) ResolveTag(_ context.Context, uid string) (TagLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[uid]
	if !ok {
		return TagLink{}, ErrUnregisteredTag
	}
	return link, nil
}

func (m *MemoryStore) SaveTagLink(_ context.Context, link TagLink, replace bool) (TagLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.links[link.UID]; ok && existing.UserID != link.UserID && !replace {
		return TagLink{}, ErrTagAlreadyLinked
	}
	m.links[link.UID] = link
	return link, nil
}

func (m *MemoryStore) GetSession(_ context.Context, userID uuid.UUID) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(userID), nil
}

func (m *MemoryStore) MutateSession(_ context.Context, userID uuid.UUID, fn func(s *Session) (*Event, error)) (Session, error) {
	userMu := m.lockFor(userID)
	userMu.Lock()
	defer userMu.Unlock()

	m.mu.Lock()
	session := m.sessionLocked(userID)
	m.mu.Unlock()

	event, err := fn(&session)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.sessions[userID] = session
	if event != nil {
		m.events = append(m.events, *event)
	}
	m.mu.Unlock()
	return session, nil
}

func (m *MemoryStore) AwardPoints(_ context.Context, award Award) (AwardResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := award.UserID.String() + "|" + award.SessionKey
	if prior, ok := m.awards[key]; ok {
		prior.AlreadyAwarded = true
		return prior, nil
	}
	m.balances[award.UserID] += award.Amount
	result := AwardResult{
		TransactionID: uuid.New(),
		PointsAwarded: award.Amount,
		NewBalance:    m.balances[award.UserID],
	}
	m.awards[key] = result
	return result, nil
}

func (m *MemoryStore) EventStats(_ context.Context, filter StatsFilter) (StatsReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := StatsReport{
		ByEventType: make(map[string]int64),
		ByUserType:  make(map[string]int64),
		ByLocation:  make(map[string]int64),
	}
	for _, event := range m.events {
		if event.OccurredAt.Before(filter.Start) || !event.OccurredAt.Before(filter.End) {
			continue
		}
		if filter.UserType != "" && event.UserType != filter.UserType {
			continue
		}
		if filter.EventType != "" && string(event.Type) != filter.EventType {
			continue
		}
		report.Total++
		report.ByEventType[string(event.Type)]++
		report.ByUserType[event.UserType]++
		if event.Location != "" {
			report.ByLocation[event.Location]++
		}
	}
	return report, nil
}

// Events returns a copy of the appended event log. Test hook.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryStore) sessionLocked(userID uuid.UUID) Session {
	session, ok := m.sessions[userID]
	if !ok {
		session = Session{UserID: userID, Status: StatusOut}
		m.sessions[userID] = session
	}
	return session
}

func (m *MemoryStore) lockFor(userID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	userMu, ok := m.userMu[userID]
	if !ok {
		userMu = &sync.Mutex{}
		m.userMu[userID] = userMu
	}
	return userMu
}
