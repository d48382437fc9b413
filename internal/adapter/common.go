package adapter

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// now is swapped in tests.
var now = time.Now

// textBuffer collects assistant text per logical message, keeping first-seen
// order. Snapshot buffers keep the last non-empty value, delta buffers append.
type textBuffer struct {
	order    []string
	text     map[string]*strings.Builder
	snapshot bool
}

func newSnapshotBuffer() *textBuffer {
	return &textBuffer{text: make(map[string]*strings.Builder), snapshot: true}
}

func newDeltaBuffer() *textBuffer {
	return &textBuffer{text: make(map[string]*strings.Builder)}
}

func (b *textBuffer) add(id, text string) {
	sb, ok := b.text[id]
	if !ok {
		sb = &strings.Builder{}
		b.text[id] = sb
		b.order = append(b.order, id)
	}
	if b.snapshot {
		if strings.TrimSpace(text) == "" {
			return
		}
		sb.Reset()
	}
	sb.WriteString(text)
}

// rename moves text accumulated under a placeholder id to the vendor id once
// the vendor announces it.
func (b *textBuffer) rename(from, to string) {
	if from == to {
		return
	}
	sb, ok := b.text[from]
	if !ok {
		return
	}
	if _, taken := b.text[to]; taken {
		return
	}
	delete(b.text, from)
	b.text[to] = sb
	for i, id := range b.order {
		if id == from {
			b.order[i] = to
		}
	}
}

func (b *textBuffer) messages(conversationID string) []capture.CapturedMessage {
	var out []capture.CapturedMessage
	for _, id := range b.order {
		text := strings.TrimSpace(b.text[id].String())
		if text == "" {
			continue
		}
		msg := capture.CapturedMessage{
			Role:           capture.RoleAssistant,
			Content:        text,
			ConversationID: conversationID,
			Source:         capture.SourceAPI,
		}
		if !strings.HasPrefix(id, "_") {
			msg.ExternalID = id
		}
		out = append(out, msg)
	}
	return out
}

// assemble orders one round trip: the user turn first, then assistant turns,
// with strictly increasing timestamps.
func assemble(user *capture.CapturedMessage, assistants []capture.CapturedMessage) []capture.CapturedMessage {
	base := now()
	out := make([]capture.CapturedMessage, 0, len(assistants)+1)
	if user != nil {
		u := *user
		u.Timestamp = base
		out = append(out, u)
	}
	for i, a := range assistants {
		a.Timestamp = base.Add(time.Duration(i+1) * time.Millisecond)
		out = append(out, a)
	}
	return out
}

// sortByCreated orders history messages by vendor creation time, ascending.
// Ties keep vendor order.
func sortByCreated(msgs []capture.CapturedMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// chatTurn is the OpenAI-style {role, content} request message.
type chatTurn struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// lastUserTurn pulls the newest user turn out of an OpenAI-style request body.
func lastUserTurn(body string) *capture.CapturedMessage {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	var req struct {
		Messages []chatTurn `json:"messages"`
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if capture.ParseRole(m.Role) != capture.RoleUser {
			continue
		}
		text := strings.TrimSpace(flattenContent(m.Content))
		if text == "" {
			return nil
		}
		return &capture.CapturedMessage{
			Role:       capture.RoleUser,
			Content:    text,
			ExternalID: m.ID,
			Source:     capture.SourceAPI,
		}
	}
	return nil
}

// promptTurn handles request bodies that carry the user text as "prompt".
func promptTurn(body string) *capture.CapturedMessage {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil
	}
	text := strings.TrimSpace(req.Prompt)
	if text == "" {
		return nil
	}
	return &capture.CapturedMessage{Role: capture.RoleUser, Content: text, Source: capture.SourceAPI}
}

// flattenContent accepts a plain string or an array of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if (b.Type == "" || b.Type == "text") && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// joinParts joins the string entries of a ChatGPT content.parts array.
// Non-string parts (images, attachments) are skipped.
func joinParts(parts []json.RawMessage) string {
	var out []string
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err == nil && s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

// pathSegments splits a URL path into non-empty segments.
func pathSegments(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
