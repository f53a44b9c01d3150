package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TimeLayout is the millisecond ISO-8601 layout used for identities and the
// persisted start field.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Record is one occurrence of a server-reported alert. Records are values and
// never change after construction.
type Record struct {
	kind       string
	text       string
	priority   int
	occurredAt time.Time
}

// Wire is the flat shape a Record takes in storage and over the API.
type Wire struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
	Start    string `json:"start"`
}

// New creates a record. The timestamp is normalized to UTC at millisecond
// precision so that identities survive a round trip through storage.
func New(kind, text string, priority int, occurredAt time.Time) Record {
	return Record{
		kind:       kind,
		text:       text,
		priority:   priority,
		occurredAt: occurredAt.UTC().Truncate(time.Millisecond),
	}
}

func (r Record) Kind() string          { return r.kind }
func (r Record) Text() string          { return r.text }
func (r Record) Priority() int         { return r.priority }
func (r Record) OccurredAt() time.Time { return r.occurredAt }

// Start returns the occurrence time in TimeLayout.
func (r Record) Start() string {
	return r.occurredAt.Format(TimeLayout)
}

// ID returns the stable identity of the record: kind and start time.
func (r Record) ID() string {
	return r.kind + "_" + r.Start()
}

// Wire converts the record to its persisted form.
func (r Record) Wire() Wire {
	return Wire{
		Type:     r.kind,
		Message:  r.text,
		Priority: r.priority,
		Start:    r.Start(),
	}
}

// FromWire parses a persisted or polled record.
func FromWire(w Wire) (Record, error) {
	if strings.TrimSpace(w.Type) == "" {
		return Record{}, fmt.Errorf("alert type is required")
	}
	ts, err := ParseTime(w.Start)
	if err != nil {
		return Record{}, fmt.Errorf("alert %s: %w", w.Type, err)
	}
	return New(w.Type, w.Message, w.Priority, ts), nil
}

// naive layouts are what a server emits when it formats a local timestamp
// without zone information. They are read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds,
// and zone-less ISO timestamps.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid start time %q", s)
}

// Set is the persisted mapping from identity to wire record.
type Set map[string]Wire

// NewSet builds a Set keyed by identity.
func NewSet(records []Record) Set {
	s := make(Set, len(records))
	for _, r := range records {
		s[r.ID()] = r.Wire()
	}
	return s
}

// Records decodes every entry of the set, ordered by identity. Entries that
// cannot be decoded are returned as an error alongside the valid ones.
func (s Set) Records() ([]Record, error) {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(s))
	var bad []string
	for _, id := range ids {
		r, err := FromWire(s[id])
		if err != nil {
			bad = append(bad, id)
			continue
		}
		records = append(records, r)
	}
	if len(bad) > 0 {
		return records, fmt.Errorf("undecodable alerts: %s", strings.Join(bad, ", "))
	}
	return records, nil
}

// Index maps records by identity.
func Index(records []Record) map[string]Record {
	out := make(map[string]Record, len(records))
	for _, r := range records {
		out[r.ID()] = r
	}
	return out
}

// SortByPriority orders records ascending by priority, keeping the relative
// order of equal priorities.
func SortByPriority(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].priority < records[j].priority
	})
}
