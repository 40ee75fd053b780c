package metrics

import (
	"fmt"
	"sort"

	"github.com/contactpulse/contactpulse/internal/payload"
)

// TiePolicy decides how users with equal totals are ranked.
type TiePolicy string

const (
	// TieShared gives every user 1 + the number of users with a
	// strictly greater total, so equal totals share a rank and
	// the next rank is skipped (100, 100, 80 -> 1, 1, 3).
	TieShared TiePolicy = "shared"
	// TieDense shares ranks without gaps (100, 100, 80 -> 1, 1, 2).
	TieDense TiePolicy = "dense"
	// TieOrdinal breaks ties by roster order (1, 2, 3).
	TieOrdinal TiePolicy = "ordinal"
)

// ParseTiePolicy validates a policy name. Empty selects TieShared.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch TiePolicy(s) {
	case "":
		return TieShared, nil
	case TieShared, TieDense, TieOrdinal:
		return TiePolicy(s), nil
	}
	return "", fmt.Errorf(
		"unknown tie policy %q: must be shared, dense, or ordinal", s,
	)
}

// Standing is one user's position in a ranking.
type Standing struct {
	Username   string  `json:"username"`
	Total      int     `json:"total"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

// Ranking orders a roster by total, descending.
type Ranking struct {
	standings []Standing
	index     map[string]int
}

// RankPayload ranks the payload roster by weekly totals.
func RankPayload(p *payload.Payload, policy TiePolicy) Ranking {
	totals := make(map[string]int, len(p.Users))
	for _, u := range p.Users {
		totals[u] = WeeklyTotal(p, u)
	}
	return Rank(p.Users, totals, policy)
}

// Rank orders users by their totals. Users missing from totals
// count as zero. Percentile is (N - rank + 1) / N * 100.
func Rank(
	users []string, totals map[string]int, policy TiePolicy,
) Ranking {
	standings := make([]Standing, len(users))
	for i, u := range users {
		standings[i] = Standing{Username: u, Total: totals[u]}
	}
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Total > standings[j].Total
	})

	n := len(standings)
	distinctAbove := 0
	for i := range standings {
		s := &standings[i]
		tiedWithPrev := i > 0 && standings[i-1].Total == s.Total
		switch policy {
		case TieDense:
			if i > 0 && !tiedWithPrev {
				distinctAbove++
			}
			s.Rank = distinctAbove + 1
		case TieOrdinal:
			s.Rank = i + 1
		default:
			// First position of this total in the sorted list.
			if tiedWithPrev {
				s.Rank = standings[i-1].Rank
			} else {
				s.Rank = i + 1
			}
		}
		s.Percentile = round2(float64(n-s.Rank+1) / float64(n) * 100)
	}

	index := make(map[string]int, n)
	for i, s := range standings {
		index[s.Username] = i
	}
	return Ranking{standings: standings, index: index}
}

// Of returns the standing of user.
func (r Ranking) Of(user string) (Standing, bool) {
	i, ok := r.index[user]
	if !ok {
		return Standing{}, false
	}
	return r.standings[i], true
}

// Standings returns a copy of the ranking in rank order.
func (r Ranking) Standings() []Standing {
	out := make([]Standing, len(r.standings))
	copy(out, r.standings)
	return out
}

// Len returns the number of ranked users.
func (r Ranking) Len() int {
	return len(r.standings)
}
