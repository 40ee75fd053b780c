// Package payload models the batched per-user contact payload
// returned by the upstream analytics endpoint and decodes it
// tolerantly.
package payload

import (
	"time"
)

// OriginType identifies the kind of contact an account made.
type OriginType string

const (
	OriginFollow  OriginType = "Follow"
	OriginComment OriginType = "Comment"
)

// ContactEvent is one logged follow or comment.
type ContactEvent struct {
	ID              string     `json:"id"`
	DateCreated     string     `json:"date_created"`
	OriginType      OriginType `json:"origin_type"`
	ProjectUsername string     `json:"project_username"`

	// Time is DateCreated parsed at decode time. Zero when the
	// timestamp could not be parsed.
	Time time.Time `json:"-"`
}

// HourBucket is one cell of the pre-bucketed hourly table: the
// contacts made in that hour across the lookback window and the
// days that contributed to it.
type HourBucket struct {
	Total int      `json:"total"`
	Days  []string `json:"days"`
}

// Payload is one fetch cycle's worth of team data. Any user in
// Users may be missing from any of the tables.
type Payload struct {
	Users    []string                      `json:"users"`
	Hourly   map[string]map[int]HourBucket `json:"hourlyData"`
	Weekly   map[string]map[string]int     `json:"weeklyData"`
	Daily    map[string]map[string]int     `json:"dailyData"`
	Detailed map[string][]ContactEvent     `json:"detailedData"`
}

// Events returns the user's event list, or nil when the user has
// no detailed data.
func (p *Payload) Events(user string) []ContactEvent {
	if p == nil {
		return nil
	}
	return p.Detailed[user]
}

// HasUser reports whether user is part of the roster.
func (p *Payload) HasUser(user string) bool {
	if p == nil {
		return false
	}
	for _, u := range p.Users {
		if u == user {
			return true
		}
	}
	return false
}

// Weekdays lists weekday names in display order, Monday first.
var Weekdays = [7]string{
	"Monday", "Tuesday", "Wednesday", "Thursday",
	"Friday", "Saturday", "Sunday",
}

// WeekdayIndex maps a Go weekday to its position in Weekdays.
func WeekdayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7 // ISO Mon=0
}
