package metrics

import (
	"sort"
	"time"

	"github.com/contactpulse/contactpulse/internal/payload"
)

// HourlyTypeAverage is the per-active-day average of a user's
// contacts in one hour, split by origin type.
type HourlyTypeAverage struct {
	Hour    int     `json:"hour"`
	Follow  float64 `json:"follow"`
	Comment float64 `json:"comment"`
	Total   float64 `json:"total"`
	Days    int     `json:"days"`
}

// WeekdayTypeCount counts a user's contacts on one weekday.
type WeekdayTypeCount struct {
	Day     string `json:"day"`
	Follow  int    `json:"follow"`
	Comment int    `json:"comment"`
	Total   int    `json:"total"`
}

// WeekdayCount is a pre-bucketed weekday total.
type WeekdayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// DayCount is one day of the current-month history.
type DayCount struct {
	Date        string `json:"date"`
	Count       int    `json:"count"`
	BelowTarget bool   `json:"below_target"`
}

// UserDetail bundles the detail views for one user.
type UserDetail struct {
	Username      string                 `json:"username"`
	Metrics       *UserMetrics           `json:"metrics"`
	Stars         int                    `json:"stars"`
	HourlyByType  []HourlyTypeAverage    `json:"hourly_by_type"`
	WeekdayByType []WeekdayTypeCount     `json:"weekday_by_type"`
	WeekdayTotals []WeekdayCount         `json:"weekday_totals"`
	History       []DayCount             `json:"history"`
	ContactsToday int                    `json:"contacts_today"`
	Recent        []payload.ContactEvent `json:"recent"`
}

// Project builds the detail views for user. m may be nil when the
// user has no aggregate metrics; the event-based views are still
// produced.
func Project(
	p *payload.Payload, user string, m *UserMetrics, opts Options,
) UserDetail {
	opts = opts.withDefaults()
	events := p.Events(user)
	now := opts.Now().In(opts.Location)
	daily := p.Daily[user]

	d := UserDetail{
		Username:      user,
		Metrics:       m,
		HourlyByType:  HourlyByType(events, opts.Location),
		WeekdayByType: WeekdayByType(events, opts.Location),
		WeekdayTotals: WeekdayTotals(p.Weekly[user]),
		History:       DailyHistory(daily, now, opts.LowDayThreshold),
		ContactsToday: daily[now.Format("2006-01-02")],
		Recent:        RecentEvents(events, opts.DetailLimit),
	}
	if m != nil {
		d.Stars = m.Stars()
	}
	return d
}

// HourlyByType averages a user's events per hour of the day over
// the distinct dates that had activity in that hour. Hours without
// events are omitted; the result is ordered by hour.
func HourlyByType(
	events []payload.ContactEvent, loc *time.Location,
) []HourlyTypeAverage {
	if loc == nil {
		loc = time.UTC
	}
	type bucket struct {
		follow, comment, total int
		days                   map[string]struct{}
	}
	var buckets [24]*bucket

	for _, ev := range events {
		if ev.Time.IsZero() {
			continue
		}
		t := ev.Time.In(loc)
		b := buckets[t.Hour()]
		if b == nil {
			b = &bucket{days: make(map[string]struct{})}
			buckets[t.Hour()] = b
		}
		countType(ev.OriginType, &b.follow, &b.comment)
		b.total++
		b.days[t.Format("2006-01-02")] = struct{}{}
	}

	out := []HourlyTypeAverage{}
	for h, b := range buckets {
		if b == nil {
			continue
		}
		days := float64(len(b.days))
		out = append(out, HourlyTypeAverage{
			Hour:    h,
			Follow:  round2(float64(b.follow) / days),
			Comment: round2(float64(b.comment) / days),
			Total:   round2(float64(b.total) / days),
			Days:    len(b.days),
		})
	}
	return out
}

// WeekdayByType counts a user's events per weekday, Monday first.
// All seven days are always present.
func WeekdayByType(
	events []payload.ContactEvent, loc *time.Location,
) []WeekdayTypeCount {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]WeekdayTypeCount, 7)
	for i, day := range payload.Weekdays {
		out[i].Day = day
	}
	for _, ev := range events {
		if ev.Time.IsZero() {
			continue
		}
		c := &out[payload.WeekdayIndex(ev.Time.In(loc).Weekday())]
		countType(ev.OriginType, &c.Follow, &c.Comment)
		c.Total++
	}
	return out
}

// WeekdayTotals lays the pre-bucketed weekly table out Monday
// first, filling missing days with zero.
func WeekdayTotals(weekly map[string]int) []WeekdayCount {
	out := make([]WeekdayCount, 7)
	for i, day := range payload.Weekdays {
		out[i] = WeekdayCount{Day: day, Count: weekly[day]}
	}
	return out
}

// DailyHistory lists every date from the first of now's month
// through now, inclusive, with the count from daily or zero.
// Days below threshold are flagged.
func DailyHistory(
	daily map[string]int, now time.Time, threshold int,
) []DayCount {
	first := time.Date(
		now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location(),
	)
	out := make([]DayCount, 0, now.Day())
	for i := range now.Day() {
		date := first.AddDate(0, 0, i).Format("2006-01-02")
		n := daily[date]
		out = append(out, DayCount{
			Date:        date,
			Count:       n,
			BelowTarget: n < threshold,
		})
	}
	return out
}

// RecentEvents returns up to limit events, newest first. Events
// with unparseable timestamps sort last. The input is not
// modified.
func RecentEvents(
	events []payload.ContactEvent, limit int,
) []payload.ContactEvent {
	out := make([]payload.ContactEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Time, out[j].Time
		if ti.IsZero() != tj.IsZero() {
			return tj.IsZero()
		}
		return ti.After(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
