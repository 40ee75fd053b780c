package metrics

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contactpulse/contactpulse/internal/payload"
)

func TestHourlyByType(t *testing.T) {
	p := teamPayload(t)
	got := HourlyByType(p.Events("alice"), time.UTC)
	want := []HourlyTypeAverage{
		{Hour: 9, Follow: 1, Comment: 0.5, Total: 1.5, Days: 2},
		{Hour: 14, Follow: 1, Comment: 0, Total: 1, Days: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HourlyByType mismatch (-want +got):\n%s", diff)
	}
}

func TestHourlyByType_Empty(t *testing.T) {
	got := HourlyByType(nil, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got = HourlyByType([]payload.ContactEvent{
		ev("x", "not a time", payload.OriginFollow),
	}, time.UTC)
	assert.Empty(t, got)
}

func TestHourlyByType_DenominatorIsActiveDaysOnly(t *testing.T) {
	events := []payload.ContactEvent{
		ev("1", "2024-06-01T08:00:00Z", payload.OriginFollow),
		ev("2", "2024-06-01T08:30:00Z", payload.OriginFollow),
		ev("3", "2024-06-20T08:10:00Z", payload.OriginComment),
		ev("4", "2024-06-20T08:50:00Z", payload.OriginComment),
		ev("5", "2024-06-21T08:50:00Z", payload.OriginComment),
	}
	got := HourlyByType(events, time.UTC)
	require.Len(t, got, 1)
	assert.Equal(t, HourlyTypeAverage{
		Hour: 8, Follow: 0.67, Comment: 1, Total: 1.67, Days: 3,
	}, got[0])
}

func TestWeekdayByType(t *testing.T) {
	got := WeekdayByType(teamPayload(t).Events("alice"), time.UTC)
	require.Len(t, got, 7)
	assert.Equal(t, WeekdayTypeCount{Day: "Monday", Follow: 1, Comment: 1, Total: 2}, got[0])
	assert.Equal(t, WeekdayTypeCount{Day: "Tuesday", Follow: 2, Total: 2}, got[1])
	for i, day := range payload.Weekdays {
		assert.Equal(t, day, got[i].Day)
	}
	assert.Equal(t, WeekdayTypeCount{Day: "Sunday"}, got[6])

	empty := WeekdayByType(nil, nil)
	require.Len(t, empty, 7)
	assert.Equal(t, "Monday", empty[0].Day)
}

func TestWeekdayTotals(t *testing.T) {
	got := WeekdayTotals(map[string]int{"Friday": 4, "Monday": 1})
	want := []WeekdayCount{
		{"Monday", 1}, {"Tuesday", 0}, {"Wednesday", 0},
		{"Thursday", 0}, {"Friday", 4}, {"Saturday", 0},
		{"Sunday", 0},
	}
	assert.Equal(t, want, got)
}

func TestDailyHistory(t *testing.T) {
	now := time.Date(2024, 6, 4, 18, 0, 0, 0, time.UTC)
	daily := map[string]int{
		"2024-06-02": 250,
		"2024-06-04": 12,
		"2024-05-31": 999, // previous month
		"2024-06-05": 999, // future
	}
	got := DailyHistory(daily, now, 200)
	want := []DayCount{
		{Date: "2024-06-01", Count: 0, BelowTarget: true},
		{Date: "2024-06-02", Count: 250, BelowTarget: false},
		{Date: "2024-06-03", Count: 0, BelowTarget: true},
		{Date: "2024-06-04", Count: 12, BelowTarget: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DailyHistory mismatch (-want +got):\n%s", diff)
	}
}

func TestDailyHistory_LengthMatchesDayOfMonth(t *testing.T) {
	for _, day := range []int{1, 15, 28, 31} {
		now := time.Date(2024, 1, day, 23, 59, 0, 0, time.UTC)
		got := DailyHistory(nil, now, 200)
		require.Len(t, got, day)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Date, got[i].Date)
		}
		assert.Equal(t, now.Format("2006-01-02"), got[len(got)-1].Date)
	}
}

func TestRecentEvents(t *testing.T) {
	events := []payload.ContactEvent{
		ev("old", "2024-06-01T08:00:00Z", payload.OriginFollow),
		ev("bad", "nope", payload.OriginFollow),
		ev("new", "2024-06-03T08:00:00Z", payload.OriginFollow),
		ev("mid", "2024-06-02T08:00:00Z", payload.OriginComment),
	}
	got := RecentEvents(events, 0)
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"new", "mid", "old", "bad"}, ids)
	assert.Equal(t, "old", events[0].ID, "input must not be reordered")

	assert.Len(t, RecentEvents(events, 2), 2)
	assert.Empty(t, RecentEvents(nil, 200))
}

func TestRecentEvents_CapsAtLimit(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	events := make([]payload.ContactEvent, 250)
	for i := range events {
		events[i] = payload.ContactEvent{
			ID:   "e",
			Time: base.Add(time.Duration(i) * time.Minute),
		}
	}
	got := RecentEvents(events, DefaultDetailLimit)
	require.Len(t, got, DefaultDetailLimit)
	assert.Equal(t, events[249].Time, got[0].Time)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Time.After(got[i].Time))
	}
}

func TestResultDetail(t *testing.T) {
	res := Compute(teamPayload(t), Options{
		Now: fixedNow("2024-06-04T18:00:00Z"),
	})

	d, ok := res.Detail("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", d.Username)
	require.NotNil(t, d.Metrics)
	assert.Equal(t, 3, d.Stars)
	assert.Len(t, d.HourlyByType, 2)
	assert.Len(t, d.WeekdayByType, 7)
	assert.Equal(t, 2, d.WeekdayTotals[0].Count)
	assert.Len(t, d.History, 4)
	assert.Equal(t, 2, d.ContactsToday)
	require.Len(t, d.Recent, 4)
	assert.Equal(t, "a4", d.Recent[0].ID)

	// carol has no aggregate metrics but still gets projections.
	d, ok = res.Detail("carol")
	require.True(t, ok)
	assert.Nil(t, d.Metrics)
	assert.Equal(t, 0, d.Stars)
	assert.Empty(t, d.HourlyByType)
	assert.Empty(t, d.Recent)
	assert.Equal(t, 10, d.WeekdayTotals[0].Count)

	_, ok = res.Detail("mallory")
	assert.False(t, ok)
}
