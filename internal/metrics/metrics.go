// Package metrics derives per-user activity profiles and a team
// summary from a contact payload. Everything here is a pure
// function of the payload and Options: results are rebuilt from
// scratch on every call and never mutated afterwards.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/contactpulse/contactpulse/internal/payload"
)

const (
	DefaultTopN            = 5
	DefaultDetailLimit     = 200
	DefaultLowDayThreshold = 200
)

// Options are the explicit inputs that shape an aggregation pass.
type Options struct {
	TiePolicy       TiePolicy
	TopN            int
	DetailLimit     int
	LowDayThreshold int

	// Location buckets event timestamps into hours, weekdays
	// and dates. Nil means UTC.
	Location *time.Location

	// Now anchors the current-month history. Nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.TiePolicy == "" {
		o.TiePolicy = TieShared
	}
	if o.TopN <= 0 {
		o.TopN = DefaultTopN
	}
	if o.DetailLimit <= 0 {
		o.DetailLimit = DefaultDetailLimit
	}
	if o.LowDayThreshold <= 0 {
		o.LowDayThreshold = DefaultLowDayThreshold
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Ratio is a quotient that may be degenerate. A zero denominator
// is kept as-is so callers can report "insufficient data" instead
// of a misleading zero.
type Ratio struct {
	Num float64
	Den float64
}

// Valid reports whether the ratio has a non-zero denominator.
func (r Ratio) Valid() bool {
	return r.Den != 0
}

// Value returns the quotient rounded to two decimals and true, or
// the raw non-finite quotient and false when Den is zero.
func (r Ratio) Value() (float64, bool) {
	if r.Den == 0 {
		return r.Num / r.Den, false
	}
	return round2(r.Num / r.Den), true
}

func (r Ratio) String() string {
	v, ok := r.Value()
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}

// MarshalJSON encodes a degenerate ratio as null.
func (r Ratio) MarshalJSON() ([]byte, error) {
	v, ok := r.Value()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON accepts the form written by MarshalJSON.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Ratio{Num: v, Den: 1}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func intPtr(v int) *int { return &v }

// Result is one full aggregation pass over a payload.
type Result struct {
	// Users maps every roster member to their metrics. A nil
	// entry means the user has no hourly or weekly data.
	Users map[string]*UserMetrics `json:"users"`

	// Ranked is the roster ordered by rank, roster order within
	// ties.
	Ranked []Standing `json:"ranked"`

	Summary Summary `json:"summary"`

	payload *payload.Payload
	opts    Options
}

// Compute runs the whole engine over p.
func Compute(p *payload.Payload, opts Options) *Result {
	opts = opts.withDefaults()
	if p == nil {
		p = &payload.Payload{}
	}

	ranking := RankPayload(p, opts.TiePolicy)
	users := make(map[string]*UserMetrics, len(p.Users))
	for _, u := range p.Users {
		m := aggregateUser(p, u)
		if m != nil {
			m.applyStanding(ranking)
		}
		users[u] = m
	}

	return &Result{
		Users:   users,
		Ranked:  ranking.Standings(),
		Summary: Summarize(p, users, ranking, opts),
		payload: p,
		opts:    opts,
	}
}

// Detail projects the time-bucketed views for one user. It
// returns false when the user is not on the roster.
func (r *Result) Detail(user string) (UserDetail, bool) {
	if !r.payload.HasUser(user) {
		return UserDetail{}, false
	}
	return Project(r.payload, user, r.Users[user], r.opts), true
}

// Neighbors returns the users ranked immediately above and below
// user. Either is empty at the ends of the roster.
func (r *Result) Neighbors(user string) (prev, next string) {
	for i, s := range r.Ranked {
		if s.Username != user {
			continue
		}
		if i > 0 {
			prev = r.Ranked[i-1].Username
		}
		if i < len(r.Ranked)-1 {
			next = r.Ranked[i+1].Username
		}
		return prev, next
	}
	return "", ""
}
