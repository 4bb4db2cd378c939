package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"schoolpass/tagging/internal/metrics"
)

func testPolicy() Policy {
	return Policy{
		ReTagWindow:        5 * time.Second,
		MaxReTags:          3,
		CheckoutThreshold:  30 * time.Minute,
		VisitDeviceType:    "visit",
		DefaultAwardPoints: 10,
	}
}

func testEngine(t *testing.T, policy Policy) (*Engine, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := &now
	eng := New(store, policy, nil).WithClock(func() time.Time { return *current })
	return eng, store, current
}

func registerUser(t *testing.T, store *MemoryStore, uid string) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	if _, err := store.SaveTagLink(context.Background(), TagLink{
		UID:      uid,
		UserID:   userID,
		UserType: UserTypeStudent,
		LinkedAt: time.Now().UTC(),
	}, false); err != nil {
		t.Fatalf("register tag: %v", err)
	}
	return userID
}

func scan(t *testing.T, eng *Engine, uid string) ScanResult {
	t.Helper()
	result, err := eng.ProcessTag(context.Background(), ScanRequest{UID: uid, DeviceType: "nfc-reader", Location: "entrance"})
	if err != nil {
		t.Fatalf("process tag: %v", err)
	}
	return result
}

func TestToggleClassification(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	result := scan(t, eng, "CARD-1")
	if result.EventType != EventAttendance {
		t.Fatalf("first scan expected attendance, got %s", result.EventType)
	}
	if result.Session.Status != StatusIn {
		t.Fatalf("expected status IN, got %s", result.Session.Status)
	}
	if result.Session.CheckedInAt == nil || !result.Session.CheckedInAt.Equal(*current) {
		t.Fatalf("expected checkedInAt %s, got %v", *current, result.Session.CheckedInAt)
	}

	*current = current.Add(10 * time.Second)
	result = scan(t, eng, "CARD-1")
	if result.EventType != EventCheckout {
		t.Fatalf("second scan expected checkout, got %s", result.EventType)
	}
	if result.Session.Status != StatusOut {
		t.Fatalf("expected status OUT, got %s", result.Session.Status)
	}
	if result.Session.CheckedInAt != nil {
		t.Fatalf("expected checkedInAt cleared, got %v", result.Session.CheckedInAt)
	}

	*current = current.Add(10 * time.Second)
	result = scan(t, eng, "CARD-1")
	if result.EventType != EventAttendance {
		t.Fatalf("third scan expected attendance, got %s", result.EventType)
	}
	if result.Session.Status != StatusIn {
		t.Fatalf("expected status IN, got %s", result.Session.Status)
	}
}

func TestRetagSuppression(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	// Each scan lands one second after the previous, well inside the
	// re-tag window. The first maxReTags scans still classify; the rest
	// are duplicates that leave the session alone.
	expected := []EventType{EventAttendance, EventCheckout, EventAttendance, EventDuplicate, EventDuplicate}
	var last ScanResult
	for i, want := range expected {
		if i > 0 {
			*current = current.Add(time.Second)
		}
		last = scan(t, eng, "CARD-1")
		if last.EventType != want {
			t.Fatalf("scan %d expected %s, got %s", i+1, want, last.EventType)
		}
	}
	if last.Session.Status != StatusIn {
		t.Fatalf("expected status IN after suppression, got %s", last.Session.Status)
	}
	if last.Session.ConsecutiveTagCount != 3 {
		t.Fatalf("expected count to hold at 3, got %d", last.Session.ConsecutiveTagCount)
	}

	// Duplicates are recorded, not dropped.
	events := store.Events()
	if len(events) != len(expected) {
		t.Fatalf("expected %d events, got %d", len(expected), len(events))
	}
	for i, event := range events {
		if event.Type != expected[i] {
			t.Fatalf("event %d expected %s, got %s", i, expected[i], event.Type)
		}
	}

	// Once the card leaves the reader for a full window, scanning works again.
	*current = current.Add(6 * time.Second)
	result := scan(t, eng, "CARD-1")
	if result.EventType != EventCheckout {
		t.Fatalf("expected checkout after window elapsed, got %s", result.EventType)
	}
	if result.Session.ConsecutiveTagCount != 1 {
		t.Fatalf("expected count reset to 1, got %d", result.Session.ConsecutiveTagCount)
	}
}

func TestCheckoutThresholdBoundary(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	scan(t, eng, "CARD-1")
	*current = current.Add(30 * time.Minute)
	result := scan(t, eng, "CARD-1")
	if result.EventType != EventAttendance {
		t.Fatalf("scan at exactly the threshold expected attendance, got %s", result.EventType)
	}
	if result.Session.Status != StatusIn {
		t.Fatalf("expected status IN for the fresh session, got %s", result.Session.Status)
	}
	if result.Session.CheckedInAt == nil || !result.Session.CheckedInAt.Equal(*current) {
		t.Fatalf("expected checkedInAt reset to %s, got %v", *current, result.Session.CheckedInAt)
	}

	*current = current.Add(29*time.Minute + 59*time.Second)
	result = scan(t, eng, "CARD-1")
	if result.EventType != EventCheckout {
		t.Fatalf("scan below the threshold expected checkout, got %s", result.EventType)
	}
}

func TestClockSkewTreatedAsImmediateRetag(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	for i := 0; i < 3; i++ {
		scan(t, eng, "CARD-1")
		*current = current.Add(time.Second)
	}
	// A reader with a slow clock reports a time before the last event.
	*current = current.Add(-30 * time.Second)
	result := scan(t, eng, "CARD-1")
	if result.EventType != EventDuplicate {
		t.Fatalf("skewed scan expected duplicate, got %s", result.EventType)
	}
}

func TestUnregisteredTagWritesNoEvent(t *testing.T) {
	eng, store, _ := testEngine(t, testPolicy())

	_, err := eng.ProcessTag(context.Background(), ScanRequest{UID: "UNKNOWN-UID", DeviceType: "nfc-reader"})
	if err == nil {
		t.Fatalf("expected unregistered tag error")
	}
	if !errors.Is(err, ErrUnregisteredTag) {
		t.Fatalf("expected ErrUnregisteredTag, got %v", err)
	}
	if events := store.Events(); len(events) != 0 {
		t.Fatalf("expected no events for unknown uid, got %d", len(events))
	}
}

func TestVisitDeviceDoesNotToggle(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	result, err := eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1", DeviceType: "visit", Location: "library"})
	if err != nil {
		t.Fatalf("process tag: %v", err)
	}
	if result.EventType != EventVisit {
		t.Fatalf("expected visit, got %s", result.EventType)
	}
	if result.Session.Status != StatusOut {
		t.Fatalf("visit must not toggle status, got %s", result.Session.Status)
	}

	// Visits get the same suppression as attendance scans.
	for i := 0; i < 2; i++ {
		*current = current.Add(time.Second)
		result, err = eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1", DeviceType: "visit", Location: "library"})
		if err != nil {
			t.Fatalf("process tag: %v", err)
		}
		if result.EventType != EventVisit {
			t.Fatalf("expected visit, got %s", result.EventType)
		}
	}
	*current = current.Add(time.Second)
	result, err = eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1", DeviceType: "visit", Location: "library"})
	if err != nil {
		t.Fatalf("process tag: %v", err)
	}
	if result.EventType != EventDuplicate {
		t.Fatalf("expected duplicate after repeated visits, got %s", result.EventType)
	}
}

func TestConfirmAttendanceIdempotent(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	scan(t, eng, "CARD-1")

	first, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if first.AlreadyAwarded {
		t.Fatalf("first confirm must not be a replay")
	}
	if first.PointsAwarded != 10 || first.NewBalance != 10 {
		t.Fatalf("expected 10 points and balance 10, got %d and %d", first.PointsAwarded, first.NewBalance)
	}

	second, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1"})
	if err != nil {
		t.Fatalf("confirm replay: %v", err)
	}
	if !second.AlreadyAwarded {
		t.Fatalf("second confirm expected alreadyAwarded")
	}
	if second.NewBalance != first.NewBalance || second.PointsAwarded != first.PointsAwarded {
		t.Fatalf("replay must return the prior result, got %+v vs %+v", second, first)
	}

	// A fresh check-in is a fresh award key.
	*current = current.Add(10 * time.Second)
	scan(t, eng, "CARD-1") // checkout
	*current = current.Add(10 * time.Second)
	scan(t, eng, "CARD-1") // new check-in
	third, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1"})
	if err != nil {
		t.Fatalf("confirm new session: %v", err)
	}
	if third.AlreadyAwarded {
		t.Fatalf("new session confirm must not be a replay")
	}
	if third.NewBalance != 20 {
		t.Fatalf("expected balance 20, got %d", third.NewBalance)
	}
}

func TestConfirmAttendanceRequiresContext(t *testing.T) {
	eng, store, _ := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	if _, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1"}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	// A reservation id stands in for the open session.
	result, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1", ReservationID: "res-42", Points: 25})
	if err != nil {
		t.Fatalf("confirm with reservation: %v", err)
	}
	if result.PointsAwarded != 25 || result.NewBalance != 25 {
		t.Fatalf("expected 25 points, got %+v", result)
	}

	replay, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1", ReservationID: "res-42", Points: 25})
	if err != nil {
		t.Fatalf("confirm replay: %v", err)
	}
	if !replay.AlreadyAwarded {
		t.Fatalf("reservation replay expected alreadyAwarded")
	}
}

func TestConfirmAttendanceRejectsOversizedAmount(t *testing.T) {
	eng, store, _ := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")
	scan(t, eng, "CARD-1")

	_, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1", Points: MaxAwardAmount + 1})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput above the cap, got %v", err)
	}

	// At the cap the credit goes through.
	result, err := eng.ConfirmAttendance(context.Background(), ConfirmRequest{UID: "CARD-1", Points: MaxAwardAmount})
	if err != nil {
		t.Fatalf("confirm at cap: %v", err)
	}
	if result.PointsAwarded != MaxAwardAmount {
		t.Fatalf("expected %d points, got %d", MaxAwardAmount, result.PointsAwarded)
	}
}

func TestRegisterTagPolicy(t *testing.T) {
	eng, _, _ := testEngine(t, testPolicy())
	userA := uuid.New()
	userB := uuid.New()

	if _, err := eng.RegisterTag(context.Background(), RegisterRequest{UID: "CARD-1", UserID: userA, UserType: UserTypeStudent}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same pair again is a refresh, not a conflict.
	if _, err := eng.RegisterTag(context.Background(), RegisterRequest{UID: "CARD-1", UserID: userA, UserType: UserTypeStudent}); err != nil {
		t.Fatalf("re-register same user: %v", err)
	}
	if _, err := eng.RegisterTag(context.Background(), RegisterRequest{UID: "CARD-1", UserID: userB, UserType: UserTypeTeacher}); !errors.Is(err, ErrTagAlreadyLinked) {
		t.Fatalf("expected ErrTagAlreadyLinked, got %v", err)
	}
	link, err := eng.RegisterTag(context.Background(), RegisterRequest{UID: "CARD-1", UserID: userB, UserType: UserTypeTeacher, Replace: true})
	if err != nil {
		t.Fatalf("replace register: %v", err)
	}
	if link.UserID != userB {
		t.Fatalf("expected link moved to new user")
	}
}

func TestStatsRanges(t *testing.T) {
	eng, store, current := testEngine(t, testPolicy())
	registerUser(t, store, "CARD-1")

	day1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	*current = day1.Add(9 * time.Hour)
	scan(t, eng, "CARD-1") // attendance, day 1
	*current = day1.Add(9*time.Hour + 20*time.Minute)
	scan(t, eng, "CARD-1") // checkout, day 1
	*current = day2.Add(9 * time.Hour)
	scan(t, eng, "CARD-1") // attendance, day 2

	report, err := eng.Stats(context.Background(), StatsFilter{Start: day1, End: day2})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.Total != 2 {
		t.Fatalf("day 1 expected 2 events, got %d", report.Total)
	}

	report, err = eng.Stats(context.Background(), StatsFilter{Start: day1, End: day2.AddDate(0, 0, 1)})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.Total != 3 {
		t.Fatalf("both days expected 3 events, got %d", report.Total)
	}
	if report.ByEventType[string(EventAttendance)] != 2 {
		t.Fatalf("expected 2 attendance events, got %d", report.ByEventType[string(EventAttendance)])
	}
	if report.ByEventType[string(EventCheckout)] != 1 {
		t.Fatalf("expected 1 checkout event, got %d", report.ByEventType[string(EventCheckout)])
	}
	if report.ByUserType[UserTypeStudent] != 3 {
		t.Fatalf("expected 3 student events, got %d", report.ByUserType[UserTypeStudent])
	}

	report, err = eng.Stats(context.Background(), StatsFilter{Start: day1, End: day2.AddDate(0, 0, 1), EventType: string(EventCheckout)})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.Total != 1 {
		t.Fatalf("checkout filter expected 1 event, got %d", report.Total)
	}
}

// conflictStore fails MutateSession a configured number of times before
// delegating, standing in for a session row lost to a concurrent writer.
type conflictStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (c *conflictStore) MutateSession(ctx context.Context, userID uuid.UUID, fn func(s *Session) (*Event, error)) (Session, error) {
	c.calls++
	if c.failures > 0 {
		c.failures--
		return Session{}, ErrStateConflict
	}
	return c.MemoryStore.MutateSession(ctx, userID, fn)
}

func TestStateConflictRetriedOnce(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore(), failures: 1}
	registerUser(t, store.MemoryStore, "CARD-1")
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	eng := New(store, testPolicy(), nil).WithClock(func() time.Time { return now })

	retriesBefore := testutil.ToFloat64(metrics.ClassifyRetries)

	// A single conflict is absorbed by the retry.
	result, err := eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1", DeviceType: "nfc-reader"})
	if err != nil {
		t.Fatalf("expected retry to absorb one conflict, got %v", err)
	}
	if result.EventType != EventAttendance {
		t.Fatalf("expected attendance after retry, got %s", result.EventType)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", store.calls)
	}
	if got := testutil.ToFloat64(metrics.ClassifyRetries) - retriesBefore; got != 1 {
		t.Fatalf("expected 1 classify retry recorded, got %v", got)
	}

	// Two consecutive conflicts surface to the caller.
	store.failures = 2
	store.calls = 0
	_, err = eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1", DeviceType: "nfc-reader"})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict after second conflict, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d store calls", store.calls)
	}
}

func TestConcurrentScansDoNotLoseUpdates(t *testing.T) {
	eng, store, _ := testEngine(t, testPolicy())
	userA := registerUser(t, store, "CARD-A")
	userB := registerUser(t, store, "CARD-B")

	const perUser = 50
	var wg sync.WaitGroup
	wg.Add(2 * perUser)
	for i := 0; i < perUser; i++ {
		go func() {
			defer wg.Done()
			_, _ = eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-A", DeviceType: "nfc-reader"})
		}()
		go func() {
			defer wg.Done()
			_, _ = eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-B", DeviceType: "nfc-reader"})
		}()
	}
	wg.Wait()

	for _, userID := range []uuid.UUID{userA, userB} {
		var previous EventType
		for _, event := range store.Events() {
			if event.UserID != userID || event.Type == EventDuplicate {
				continue
			}
			if event.Type == previous {
				t.Fatalf("user %s classified %s twice in a row", userID, event.Type)
			}
			previous = event.Type
		}
	}
}

func TestProcessTagValidation(t *testing.T) {
	eng, _, _ := testEngine(t, testPolicy())

	if _, err := eng.ProcessTag(context.Background(), ScanRequest{DeviceType: "nfc-reader"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing uid, got %v", err)
	}
	if _, err := eng.ProcessTag(context.Background(), ScanRequest{UID: "CARD-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing device type, got %v", err)
	}
}
