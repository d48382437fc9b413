package capture

import (
	"strings"
	"time"
)

// MaxBeaconContent bounds the content carried in a beacon query string.
const MaxBeaconContent = 2000

// BeaconPayload is the compact single-message form sent as ?d= on a beacon.
type BeaconPayload struct {
	S string `json:"s"`
	R string `json:"r"`
	C string `json:"c"`
	T int64  `json:"t"`
}

// NewBeaconPayload compacts one message. Content is trimmed and truncated.
func NewBeaconPayload(serviceID string, m CapturedMessage) BeaconPayload {
	content := []rune(strings.TrimSpace(m.Content))
	if len(content) > MaxBeaconContent {
		content = content[:MaxBeaconContent]
	}
	var ts int64
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.UnixMilli()
	}
	return BeaconPayload{S: serviceID, R: string(m.Role), C: string(content), T: ts}
}

// Batch expands a beacon back into a one-message batch.
func (p BeaconPayload) Batch() CaptureBatch {
	msg := CapturedMessage{
		Role:    ParseRole(p.R),
		Content: p.C,
		Source:  SourceBeacon,
	}
	if p.T > 0 {
		msg.Timestamp = time.UnixMilli(p.T).UTC()
	}
	return CaptureBatch{ServiceID: p.S, Messages: []CapturedMessage{msg}}
}
