package securestore

import "time"

// Entry is a stored secret together with its policy and timestamps.
// Backends own entries; KeyStore never keeps one across calls.
type Entry struct {
	Key        string
	Value      []byte
	Accessible Accessibility
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Update returns a copy of e carrying value and accessible, keeping the
// creation time of e when it exists.
func (e *Entry) Update(key string, value []byte, accessible Accessibility, now time.Time) *Entry {
	next := &Entry{
		Key:        key,
		Value:      append([]byte(nil), value...),
		Accessible: accessible,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e != nil {
		next.CreatedAt = e.CreatedAt
	}
	return next
}
