package session

import (
	"sort"

	"qfit-chat/internal/domain"
)

// DayBucket groups the messages of one UTC calendar day, in view order.
type DayBucket struct {
	Day      string // "2006-01-02"
	Messages []domain.Message
}

const dayFormat = "2006-01-02"

// Buckets partitions messages into date buckets keyed by the UTC
// calendar day of sentAt. Buckets are ordered chronologically; within a
// bucket the view order is preserved. This is a pure projection,
// recomputed per call and never persisted.
func Buckets(msgs []domain.Message) []DayBucket {
	byDay := make(map[string][]domain.Message)
	for _, m := range msgs {
		day := m.SentAt.UTC().Format(dayFormat)
		byDay[day] = append(byDay[day], m)
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	out := make([]DayBucket, 0, len(days))
	for _, day := range days {
		out = append(out, DayBucket{Day: day, Messages: byDay[day]})
	}
	return out
}

// Buckets projects the session's current view state into date buckets.
func (s *Session) Buckets() []DayBucket {
	return Buckets(s.Messages())
}
