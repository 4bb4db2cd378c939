package engine

import "time"

// Policy holds the tunables of the classifier and awarder. Values are
// validated once at config load; the zero value is not usable.
type Policy struct {
	// ReTagWindow is the interval under which a repeated scan counts as a
	// re-tag of the same gesture.
	ReTagWindow time.Duration
	// MaxReTags is how many rapid scans are tolerated before further ones
	// are classified duplicate.
	MaxReTags int
	// CheckoutThreshold is the maximum gap between scans still considered
	// the same visit. At or beyond it a scan while IN starts a new session.
	CheckoutThreshold time.Duration
	// VisitDeviceType, when non-empty, names the device type whose scans
	// are logged as visits without toggling the session.
	VisitDeviceType string
	// DefaultAwardPoints is credited by confirmAttendance when the caller
	// does not specify an amount.
	DefaultAwardPoints int
}

func DefaultPolicy() Policy {
	return Policy{
		ReTagWindow:        5 * time.Second,
		MaxReTags:          3,
		CheckoutThreshold:  30 * time.Minute,
		VisitDeviceType:    "visit",
		DefaultAwardPoints: 10,
	}
}

// classify decides what a scan at now means for the session and applies the
// transition in place. The caller persists the session and the returned
// event type atomically.
func classify(s *Session, p Policy, now time.Time, deviceType, location string) EventType {
	elapsed := now.Sub(s.LastEventAt)
	if elapsed < 0 {
		// Clock skew between readers; treat as an immediate re-tag.
		elapsed = 0
	}
	rapid := elapsed < p.ReTagWindow

	if rapid && s.ConsecutiveTagCount >= p.MaxReTags {
		// Card held against the reader. The window slides so the
		// suppression lasts as long as the contact does.
		s.LastEventAt = now
		s.LastLocation = location
		return EventDuplicate
	}

	var eventType EventType
	switch {
	case p.VisitDeviceType != "" && deviceType == p.VisitDeviceType:
		eventType = EventVisit
	case s.Status == StatusIn && elapsed >= p.CheckoutThreshold:
		// The earlier visit is presumed to have ended passively; this
		// scan opens a fresh session with no explicit checkout event.
		eventType = EventAttendance
		checkedIn := now
		s.CheckedInAt = &checkedIn
	case s.Status == StatusIn:
		eventType = EventCheckout
		s.Status = StatusOut
		s.CheckedInAt = nil
	default:
		eventType = EventAttendance
		s.Status = StatusIn
		checkedIn := now
		s.CheckedInAt = &checkedIn
	}

	if rapid {
		s.ConsecutiveTagCount++
	} else {
		s.ConsecutiveTagCount = 1
	}
	s.LastEventAt = now
	s.LastLocation = location
	return eventType
}

func messageFor(eventType EventType) string {
	switch eventType {
	case EventAttendance:
		return "Checked in. Welcome!"
	case EventCheckout:
		return "Checked out. See you next time!"
	case EventVisit:
		return "Visit recorded."
	case EventDuplicate:
		return "Scan already processed."
	}
	return ""
}
