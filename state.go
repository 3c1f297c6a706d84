package tweetwatch

import (
	"strconv"
	"strings"
	"time"
)

// Item is a single post fetched from the monitored account. Items are never
// stored beyond the tick that fetched them.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// State is where the watcher left off. It is either Uninitialized, before a
// baseline has been recorded, or Tracking a cursor.
type State interface {
	isState()
}

// Uninitialized is the state before the first tick has recorded a baseline.
type Uninitialized struct{}

// Tracking holds the ID of the newest item already processed.
type Tracking struct {
	LastSeenID string
}

func (Uninitialized) isState() {}
func (Tracking) isState()      {}

// Cursor returns the last seen ID of st, and false if st has no cursor.
func Cursor(st State) (string, bool) {
	if t, ok := st.(Tracking); ok && t.LastSeenID != "" {
		return t.LastSeenID, true
	}
	return "", false
}

// Record is the flat form of State kept by external stores. It mirrors the
// two values the scheduled workflow carries between runs.
type Record struct {
	LastSeenID string `json:"last_seen_id"`
	FirstRun   bool   `json:"first_run"`
}

// StateFromRecord converts a stored record to a State. A record with the
// first-run flag set, or without a cursor, has no usable baseline.
func StateFromRecord(r Record) State {
	if r.FirstRun || r.LastSeenID == "" {
		return Uninitialized{}
	}
	return Tracking{LastSeenID: r.LastSeenID}
}

// RecordFromState is the inverse of StateFromRecord.
func RecordFromState(st State) Record {
	if id, ok := Cursor(st); ok {
		return Record{LastSeenID: id}
	}
	return Record{FirstRun: true}
}

// CompareIDs orders two post IDs the way the API does: decimal snowflakes
// compare numerically, so a shorter ID is older. It returns -1, 0 or 1.
func CompareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// twitterEpoch is the snowflake epoch in milliseconds since the Unix epoch.
const twitterEpoch = 1288834974657

// SnowflakeTime recovers the creation time encoded in a snowflake ID.
func SnowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	ms := int64(n>>22) + twitterEpoch
	return time.UnixMilli(ms).UTC(), true
}
