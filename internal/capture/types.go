// Package capture holds the record types that move between the page agent,
// the delivery channels and the collector.
package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role is the speaker of a captured message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps vendor role names onto Role. Anything unrecognised is RoleUnknown.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser
	case "assistant", "bot", "model":
		return RoleAssistant
	default:
		return RoleUnknown
	}
}

// Source records which decoder or transport produced a message.
type Source string

const (
	SourceAPI      Source = "api"
	SourceHistory  Source = "history"
	SourceDOM      Source = "dom"
	SourceBeacon   Source = "beacon"
	SourceProtocol Source = "protocol"
	SourceHTTP     Source = "http"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceAPI, SourceHistory, SourceDOM, SourceBeacon, SourceProtocol, SourceHTTP:
		return true
	}
	return false
}

// CapturedMessage is one normalized conversational message.
type CapturedMessage struct {
	Role           Role
	Content        string
	ExternalID     string
	ConversationID string
	Source         Source
	Timestamp      time.Time
}

// wireMessage is the page-side JSON shape. Timestamps travel as epoch millis.
type wireMessage struct {
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ExternalID     string          `json:"externalId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Source         Source          `json:"source,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
}

func (m CapturedMessage) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:           m.Role,
		Content:        m.Content,
		ExternalID:     m.ExternalID,
		ConversationID: m.ConversationID,
		Source:         m.Source,
	}
	if !m.Timestamp.IsZero() {
		w.Timestamp = json.RawMessage(fmt.Sprintf("%d", m.Timestamp.UnixMilli()))
	}
	return json.Marshal(w)
}

func (m *CapturedMessage) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*m = CapturedMessage{
		Role:           ParseRole(string(w.Role)),
		Content:        w.Content,
		ExternalID:     w.ExternalID,
		ConversationID: w.ConversationID,
		Source:         w.Source,
		Timestamp:      ts,
	}
	return nil
}

// parseTimestamp accepts epoch millis (what Date.now() produces) or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return time.Time{}, nil
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// CaptureBatch is the unit moved across a delivery channel.
type CaptureBatch struct {
	ServiceID string            `json:"serviceId"`
	URL       string            `json:"url,omitempty"`
	Messages  []CapturedMessage `json:"messages"`
}

// Preview returns the first n runes of s, for log lines.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
