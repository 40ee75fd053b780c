package metrics

import (
	"math"
	"sort"

	"github.com/contactpulse/contactpulse/internal/payload"
)

// HourlyAverage is a user's average contacts per active day in a
// given hour of the day.
type HourlyAverage struct {
	Hour    int     `json:"hour"`
	Average float64 `json:"average"`
	Days    int     `json:"days"`
}

// UserMetrics is the activity profile of one user.
type UserMetrics struct {
	Username         string          `json:"username"`
	HoursWorked      int             `json:"hours_worked"`
	WeeklyTotals     int             `json:"weekly_totals"`
	ContactsPerHour  Ratio           `json:"contacts_per_hour"`
	HourlyAverages   []HourlyAverage `json:"hourly_averages"`
	WeeklyData       map[string]int  `json:"weekly_data"`
	UserRank         int             `json:"user_rank"`
	UserPercentile   float64         `json:"user_percentile"`
	ConsistencyScore float64         `json:"consistency_score"`

	// FirstHour is the smallest hour key present in the hourly
	// table. Nil when the table is empty.
	FirstHour *int `json:"first_hour"`

	// PeakHour is the first hour, in ascending order, with the
	// highest per-day average. Nil when no hour has active days.
	PeakHour *int `json:"peak_hour"`

	// UnattributedContacts counts hourly totals whose bucket
	// lists no contributing days.
	UnattributedContacts int `json:"unattributed_contacts,omitempty"`
}

// Stars converts the percentile to a 0-5 star rating.
func (m *UserMetrics) Stars() int {
	return int(math.Round(m.UserPercentile / 20))
}

// WeeklyTotal sums a user's weekday counts. Users without weekly
// data total zero.
func WeeklyTotal(p *payload.Payload, user string) int {
	total := 0
	for _, c := range p.Weekly[user] {
		total += c
	}
	return total
}

// ComputeUser aggregates one user and ranks them against the
// rest of the roster. It returns nil when the user is missing
// from the hourly or weekly table.
func ComputeUser(
	p *payload.Payload, user string, policy TiePolicy,
) *UserMetrics {
	m := aggregateUser(p, user)
	if m == nil {
		return nil
	}
	m.applyStanding(RankPayload(p, policy))
	return m
}

type dayHour struct {
	day  string
	hour int
}

func aggregateUser(p *payload.Payload, user string) *UserMetrics {
	hourly, ok := p.Hourly[user]
	if !ok {
		return nil
	}
	weekly, ok := p.Weekly[user]
	if !ok {
		return nil
	}

	m := &UserMetrics{
		Username:       user,
		WeeklyData:     weekly,
		HourlyAverages: make([]HourlyAverage, 0, len(hourly)),
	}

	hours := make([]int, 0, len(hourly))
	for h := range hourly {
		hours = append(hours, h)
	}
	sort.Ints(hours)
	if len(hours) > 0 {
		m.FirstHour = intPtr(hours[0])
	}

	worked := make(map[dayHour]struct{})
	for _, h := range hours {
		b := hourly[h]
		for _, d := range b.Days {
			worked[dayHour{d, h}] = struct{}{}
		}
		if len(b.Days) == 0 {
			m.UnattributedContacts += b.Total
			continue
		}
		m.HourlyAverages = append(m.HourlyAverages, HourlyAverage{
			Hour:    h,
			Average: float64(b.Total) / float64(len(b.Days)),
			Days:    len(b.Days),
		})
	}
	m.HoursWorked = len(worked)

	peak := -1
	for i, ha := range m.HourlyAverages {
		if peak < 0 || ha.Average > m.HourlyAverages[peak].Average {
			peak = i
		}
	}
	if peak >= 0 {
		m.PeakHour = intPtr(m.HourlyAverages[peak].Hour)
	}

	activeDays := 0
	for _, c := range weekly {
		m.WeeklyTotals += c
	}
	for _, day := range payload.Weekdays {
		if weekly[day] > 0 {
			activeDays++
		}
	}
	m.ConsistencyScore = round2(float64(activeDays) / 7 * 100)
	m.ContactsPerHour = Ratio{
		Num: float64(m.WeeklyTotals),
		Den: float64(m.HoursWorked),
	}
	return m
}

func (m *UserMetrics) applyStanding(r Ranking) {
	if s, ok := r.Of(m.Username); ok {
		m.UserRank = s.Rank
		m.UserPercentile = s.Percentile
	}
}
