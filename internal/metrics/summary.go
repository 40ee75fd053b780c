package metrics

import (
	"sort"

	"github.com/contactpulse/contactpulse/internal/payload"
)

// Performer is one entry of the top performers list.
type Performer struct {
	Username string `json:"username"`
	Contacts int    `json:"contacts"`
}

// HourTypeCount holds team-wide event counts for one hour of the
// day, split by origin type.
type HourTypeCount struct {
	Hour    int `json:"hour"`
	Follow  int `json:"follow"`
	Comment int `json:"comment"`
	Total   int `json:"total"`
}

// AccountRank is a positional rank by event count.
type AccountRank struct {
	Rank     int    `json:"rank"`
	Username string `json:"username"`
	Contacts int    `json:"contacts"`
}

// DateCount is a calendar date with its contact count.
type DateCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Summary is the team-wide view of one payload.
//
// TotalContacts, the hourly contact counters, the per-date totals
// and UserRanking come from the raw event lists. TopPerformers,
// HourlyDistribution and PeakHour come from the pre-bucketed weekly
// and hourly tables.
type Summary struct {
	TotalUsers             int     `json:"total_users"`
	TotalContacts          int     `json:"total_contacts"`
	AverageContactsPerUser float64 `json:"average_contacts_per_user"`
	AverageContactsPerDay  float64 `json:"average_contacts_per_day"`
	AverageContactsPerHour Ratio   `json:"average_contacts_per_hour"`

	TopPerformers      []Performer     `json:"top_performers"`
	HourlyDistribution map[int]float64 `json:"hourly_distribution"`
	PeakHour           *int            `json:"peak_hour"`

	HourlyContacts         []HourTypeCount `json:"hourly_contacts"`
	GlobalPeakActivityHour *int            `json:"global_peak_activity_hour"`
	GlobalFirstContactHour *int            `json:"global_first_contact_hour"`
	MostActiveDate         *DateCount      `json:"most_active_date"`
	ContactsByDate         map[string]int  `json:"contacts_by_date"`
	ContactsByAccount      map[string]int  `json:"contacts_by_account"`
	UserRanking            []AccountRank   `json:"user_ranking"`
}

// Summarize folds per-user metrics and the raw event lists into a
// team summary. users may hold nil entries for users without
// data; ranking supplies weekly totals for every roster member.
func Summarize(
	p *payload.Payload,
	users map[string]*UserMetrics,
	ranking Ranking,
	opts Options,
) Summary {
	opts = opts.withDefaults()
	loc := opts.Location

	s := Summary{
		TotalUsers:         len(p.Users),
		HourlyDistribution: make(map[int]float64),
		HourlyContacts:     make([]HourTypeCount, 24),
		ContactsByDate:     make(map[string]int),
		ContactsByAccount:  make(map[string]int, len(p.Users)),
	}
	for h := range s.HourlyContacts {
		s.HourlyContacts[h].Hour = h
	}

	hoursWorked := 0
	for _, u := range p.Users {
		events := p.Events(u)
		s.TotalContacts += len(events)
		s.ContactsByAccount[u] = len(events)

		for _, ev := range events {
			if ev.Time.IsZero() {
				continue
			}
			t := ev.Time.In(loc)
			c := &s.HourlyContacts[t.Hour()]
			countType(ev.OriginType, &c.Follow, &c.Comment)
			c.Total++

			date := t.Format("2006-01-02")
			s.ContactsByDate[date]++
			n := s.ContactsByDate[date]
			if s.MostActiveDate == nil || n > s.MostActiveDate.Count {
				s.MostActiveDate = &DateCount{Date: date, Count: n}
			}
		}

		if m := users[u]; m != nil {
			hoursWorked += m.HoursWorked
			for _, ha := range m.HourlyAverages {
				s.HourlyDistribution[ha.Hour] += ha.Average
			}
		}
	}

	if s.TotalUsers > 0 {
		s.AverageContactsPerUser =
			float64(s.TotalContacts) / float64(s.TotalUsers)
	}
	if len(s.ContactsByDate) > 0 {
		s.AverageContactsPerDay =
			float64(s.TotalContacts) / float64(len(s.ContactsByDate))
	}
	s.AverageContactsPerHour = Ratio{
		Num: float64(s.TotalContacts),
		Den: float64(hoursWorked),
	}

	for _, c := range s.HourlyContacts {
		if c.Total == 0 {
			continue
		}
		if s.GlobalFirstContactHour == nil {
			s.GlobalFirstContactHour = intPtr(c.Hour)
		}
		if s.GlobalPeakActivityHour == nil ||
			c.Total > s.HourlyContacts[*s.GlobalPeakActivityHour].Total {
			s.GlobalPeakActivityHour = intPtr(c.Hour)
		}
	}

	var peakTotal float64
	for h := range 24 {
		if v := s.HourlyDistribution[h]; v > peakTotal {
			peakTotal = v
			s.PeakHour = intPtr(h)
		}
	}

	standings := ranking.Standings()
	for i := 0; i < len(standings) && i < opts.TopN; i++ {
		s.TopPerformers = append(s.TopPerformers, Performer{
			Username: standings[i].Username,
			Contacts: standings[i].Total,
		})
	}

	s.UserRanking = rankAccounts(p.Users, s.ContactsByAccount)
	return s
}

func rankAccounts(users []string, counts map[string]int) []AccountRank {
	ranked := make([]AccountRank, len(users))
	for i, u := range users {
		ranked[i] = AccountRank{Username: u, Contacts: counts[u]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Contacts > ranked[j].Contacts
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// countType increments the matching origin counter. Unknown
// origin types only count toward totals.
func countType(t payload.OriginType, follow, comment *int) {
	switch t {
	case payload.OriginFollow:
		*follow++
	case payload.OriginComment:
		*comment++
	}
}
