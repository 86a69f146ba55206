package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Session represents a single composer conversation stored by the editor
type Session struct {
	Type              string `json:"type"`
	ComposerID        string `json:"composerId"`
	Name              string `json:"name"`
	LastUpdatedAt     int64  `json:"lastUpdatedAt"`
	CreatedAt         int64  `json:"createdAt"`
	UnifiedMode       string `json:"unifiedMode"`
	ForceMode         string `json:"forceMode"`
	HasUnreadMessages bool   `json:"hasUnreadMessages"`
}

// Bundle is the list of sessions stored under the composer data key.
//
// Field names follow the editor's camelCase layout (allComposers, composerId,
// unixMs, commandType) rather than snake_case; values written with
// snake_case keys such as all_composers are rejected as malformed.
type Bundle struct {
	AllComposers []Session `json:"allComposers"`
}

// Generation represents a single AI generation
type Generation struct {
	UnixMs          int64  `json:"unixMs"`
	GenerationUUID  string `json:"generationUUID"`
	Type            string `json:"type"`
	TextDescription string `json:"textDescription"`
}

// Prompt represents a single user prompt
type Prompt struct {
	Text        string `json:"text"`
	CommandType int    `json:"commandType"`
}

// UnmarshalJSON rejects sessions missing any declared field.
func (s *Session) UnmarshalJSON(data []byte) error {
	type alias Session
	if err := requireFields(data, "session", "type", "composerId", "name", "lastUpdatedAt",
		"createdAt", "unifiedMode", "forceMode", "hasUnreadMessages"); err != nil {
		return err
	}
	return json.Unmarshal(data, (*alias)(s))
}

// UnmarshalJSON rejects bundles without an allComposers list.
func (b *Bundle) UnmarshalJSON(data []byte) error {
	type alias Bundle
	if err := requireFields(data, "composer data", "allComposers"); err != nil {
		return err
	}
	return json.Unmarshal(data, (*alias)(b))
}

// UnmarshalJSON rejects generations missing any declared field.
func (g *Generation) UnmarshalJSON(data []byte) error {
	type alias Generation
	if err := requireFields(data, "generation", "unixMs", "generationUUID", "type", "textDescription"); err != nil {
		return err
	}
	return json.Unmarshal(data, (*alias)(g))
}

// UnmarshalJSON rejects prompts missing any declared field.
func (p *Prompt) UnmarshalJSON(data []byte) error {
	type alias Prompt
	if err := requireFields(data, "prompt", "text", "commandType"); err != nil {
		return err
	}
	return json.Unmarshal(data, (*alias)(p))
}

// requireFields checks that data is a JSON object carrying every named key
// with a non-null value.
func requireFields(data []byte, what string, keys ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%s is not a JSON object: %w", what, err)
	}
	if fields == nil {
		return fmt.Errorf("%s is null", what)
	}
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			return fmt.Errorf("%s is missing field %q", what, key)
		}
		if string(raw) == "null" {
			return fmt.Errorf("%s field %q is null", what, key)
		}
	}
	return nil
}

// maxMillis is the last millisecond of year 9999.
const maxMillis = 253402300799999

// MillisToTime converts epoch milliseconds to UTC. Values that cannot be
// represented as a calendar date fall back to now.
func MillisToTime(ms int64, now time.Time) time.Time {
	if ms < 0 || ms > maxMillis {
		return now.UTC()
	}
	return time.UnixMilli(ms).UTC()
}

// CountSessions returns the number of sessions across all bundles.
func CountSessions(bundles []Bundle) int {
	total := 0
	for _, b := range bundles {
		total += len(b.AllComposers)
	}
	return total
}
