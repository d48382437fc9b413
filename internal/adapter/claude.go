package adapter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// claude streams incremental deltas that are concatenated in event order.
type claude struct{}

type claudeStreamEvent struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	Message    *struct {
		ID   string `json:"id"`
		UUID string `json:"uuid"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type claudeConversation struct {
	UUID         string `json:"uuid"`
	ChatMessages []struct {
		UUID      string          `json:"uuid"`
		Sender    string          `json:"sender"`
		Text      string          `json:"text"`
		Content   json.RawMessage `json:"content"`
		CreatedAt string          `json:"created_at"`
	} `json:"chat_messages"`
}

func (claude) Kind() ServiceKind { return KindClaude }

func (claude) Match(hostname string) bool {
	return hostHasSuffix(normalizeHost(hostname), "claude.ai")
}

func (claude) Endpoint(method, requestURL string) (Endpoint, bool) {
	segs := pathSegments(parsePath(requestURL))
	idx := -1
	for i, s := range segs {
		if s == "chat_conversations" {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(segs) {
		return Endpoint{}, false
	}
	conv := segs[idx+1]
	rest := segs[idx+2:]
	switch {
	case len(rest) == 1 && method == http.MethodPost && (rest[0] == "completion" || rest[0] == "retry_completion"):
		return Endpoint{Kind: EndpointStream, ConversationID: conv}, true
	case len(rest) == 0 && method == http.MethodGet:
		return Endpoint{Kind: EndpointHistory, ConversationID: conv}, true
	}
	return Endpoint{}, false
}

func (a claude) Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage {
	if ep.Kind == EndpointHistory {
		return a.extractHistory(ep, events)
	}

	const placeholder = "_claude"
	buf := newDeltaBuffer()
	current := placeholder
	for _, ev := range events {
		if ev.Done {
			break
		}
		var se claudeStreamEvent
		if err := json.Unmarshal(ev.Data, &se); err != nil {
			continue
		}
		switch {
		case se.Type == "message_start" && se.Message != nil:
			id := se.Message.ID
			if id == "" {
				id = se.Message.UUID
			}
			if id != "" {
				buf.rename(current, id)
				current = id
			}
		case se.Type == "content_block_delta" && se.Delta != nil:
			if se.Delta.Type == "" || se.Delta.Type == "text_delta" {
				buf.add(current, se.Delta.Text)
			}
		case se.Completion != "":
			buf.add(current, se.Completion)
		}
	}

	user := promptTurn(requestBody)
	if user != nil {
		user.ConversationID = ep.ConversationID
	}
	return assemble(user, buf.messages(ep.ConversationID))
}

func (claude) extractHistory(ep Endpoint, events []decoder.Event) []capture.CapturedMessage {
	if len(events) == 0 {
		return nil
	}
	var conv claudeConversation
	if err := json.Unmarshal(events[0].Data, &conv); err != nil {
		return nil
	}
	conversationID := conv.UUID
	if conversationID == "" {
		conversationID = ep.ConversationID
	}

	var msgs []capture.CapturedMessage
	for _, m := range conv.ChatMessages {
		role := capture.ParseRole(m.Sender)
		if role == capture.RoleUnknown {
			continue
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = strings.TrimSpace(flattenContent(m.Content))
		}
		if text == "" {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, m.CreatedAt)
		msgs = append(msgs, capture.CapturedMessage{
			Role:           role,
			Content:        text,
			ExternalID:     m.UUID,
			ConversationID: conversationID,
			Source:         capture.SourceHistory,
			Timestamp:      ts,
		})
	}
	sortByCreated(msgs)
	return msgs
}
