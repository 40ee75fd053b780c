package metrics

import (
	"testing"
	"time"

	"github.com/contactpulse/contactpulse/internal/payload"
)

// ev builds an event whose Time is parsed from ts in UTC.
func ev(
	id, ts string, origin payload.OriginType,
) payload.ContactEvent {
	e := payload.ContactEvent{
		ID:              id,
		DateCreated:     ts,
		OriginType:      origin,
		ProjectUsername: "acme",
	}
	if t, ok := payload.ParseTime(ts, time.UTC); ok {
		e.Time = t
	}
	return e
}

func fixedNow(ts string) func() time.Time {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return t }
}

// teamPayload is a three-user team. carol has weekly data but no
// hourly table or events, so she ranks without metrics.
func teamPayload(t *testing.T) *payload.Payload {
	t.Helper()
	return &payload.Payload{
		Users: []string{"alice", "bob", "carol"},
		Hourly: map[string]map[int]payload.HourBucket{
			"alice": {
				9:  {Total: 3, Days: []string{"2024-06-03", "2024-06-04"}},
				14: {Total: 1, Days: []string{"2024-06-04"}},
			},
			"bob": {
				14: {Total: 1, Days: []string{"2024-06-03"}},
				15: {Total: 1, Days: []string{"2024-06-03"}},
			},
		},
		Weekly: map[string]map[string]int{
			"alice": {"Monday": 2, "Tuesday": 2},
			"bob":   {"Monday": 3},
			"carol": {"Monday": 10},
		},
		Daily: map[string]map[string]int{
			"alice": {"2024-06-03": 2, "2024-06-04": 2},
			"bob":   {"2024-06-03": 3},
		},
		Detailed: map[string][]payload.ContactEvent{
			"alice": {
				ev("a1", "2024-06-03T09:10:00Z", payload.OriginFollow),
				ev("a2", "2024-06-03T09:40:00Z", payload.OriginComment),
				ev("a3", "2024-06-04T09:05:00Z", payload.OriginFollow),
				ev("a4", "2024-06-04T14:00:00Z", payload.OriginFollow),
			},
			"bob": {
				ev("b1", "2024-06-03T14:30:00Z", payload.OriginComment),
				ev("b2", "2024-06-03T15:00:00Z", payload.OriginFollow),
				ev("b3", "garbage", payload.OriginFollow),
			},
		},
	}
}
