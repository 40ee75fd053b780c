package payload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalid is returned when the payload is not a JSON object
// with a users roster.
var ErrInvalid = errors.New("invalid payload")

// Decode parses a raw payload document. Zone-less timestamps in
// the event lists are interpreted in loc. Missing tables decode
// as empty maps; a missing roster is an error.
func Decode(data []byte, loc *time.Location) (*Payload, error) {
	if loc == nil {
		loc = time.UTC
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalid)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrInvalid)
	}

	users := root.Get("users")
	if !users.IsArray() {
		return nil, fmt.Errorf("%w: missing users", ErrInvalid)
	}

	p := &Payload{
		Hourly:   make(map[string]map[int]HourBucket),
		Weekly:   make(map[string]map[string]int),
		Daily:    make(map[string]map[string]int),
		Detailed: make(map[string][]ContactEvent),
	}
	seen := make(map[string]bool)
	for _, u := range users.Array() {
		name := u.String()
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		p.Users = append(p.Users, name)
	}

	// A per-user table that is not an object leaves the user out
	// of that table.
	root.Get("hourlyData").ForEach(func(user, table gjson.Result) bool {
		if table.IsObject() {
			p.Hourly[user.String()] = decodeHourly(table)
		}
		return true
	})
	root.Get("weeklyData").ForEach(func(user, table gjson.Result) bool {
		if table.IsObject() {
			p.Weekly[user.String()] = decodeCounts(table)
		}
		return true
	})
	root.Get("dailyData").ForEach(func(user, table gjson.Result) bool {
		if table.IsObject() {
			p.Daily[user.String()] = decodeCounts(table)
		}
		return true
	})
	root.Get("detailedData").ForEach(func(user, list gjson.Result) bool {
		if list.IsArray() {
			p.Detailed[user.String()] = decodeEvents(list, loc)
		}
		return true
	})

	return p, nil
}

// decodeHourly drops cells whose key is not an hour in 0-23.
func decodeHourly(table gjson.Result) map[int]HourBucket {
	hours := make(map[int]HourBucket)
	table.ForEach(func(key, cell gjson.Result) bool {
		h, err := strconv.Atoi(strings.TrimSpace(key.String()))
		if err != nil || h < 0 || h > 23 {
			return true
		}
		b := HourBucket{Total: int(cell.Get("total").Int())}
		cell.Get("days").ForEach(func(_, d gjson.Result) bool {
			// Day identifiers arrive as either strings or numbers.
			if s := d.String(); s != "" {
				b.Days = append(b.Days, s)
			}
			return true
		})
		hours[h] = b
		return true
	})
	return hours
}

func decodeCounts(table gjson.Result) map[string]int {
	counts := make(map[string]int)
	table.ForEach(func(key, v gjson.Result) bool {
		counts[key.String()] = int(v.Int())
		return true
	})
	return counts
}

func decodeEvents(list gjson.Result, loc *time.Location) []ContactEvent {
	events := make([]ContactEvent, 0, len(list.Array()))
	list.ForEach(func(_, ev gjson.Result) bool {
		created := ev.Get("date_created").String()
		e := ContactEvent{
			ID:              ev.Get("id").String(),
			DateCreated:     created,
			OriginType:      OriginType(ev.Get("origin_type").String()),
			ProjectUsername: ev.Get("project_username").String(),
		}
		if t, ok := ParseTime(created, loc); ok {
			e.Time = t
		}
		events = append(events, e)
		return true
	})
	return events
}

// zonelessLayouts are tried, in order, for timestamps without an
// explicit offset.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an upstream timestamp. Values carrying an
// offset keep it; zone-less values are read in loc.
func ParseTime(ts string, loc *time.Location) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, true
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, ts, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
