package adapter

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// chatGPT streams full-text snapshots of the assistant message; the last
// non-empty snapshot per message id wins.
type chatGPT struct{}

type gptMessage struct {
	ID     string `json:"id"`
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime *float64 `json:"create_time"`
	Content    struct {
		Parts []json.RawMessage `json:"parts"`
	} `json:"content"`
}

type gptStreamEvent struct {
	Message        *gptMessage `json:"message"`
	ConversationID string      `json:"conversation_id"`
}

type gptRequest struct {
	Messages       []gptMessage `json:"messages"`
	ConversationID string       `json:"conversation_id"`
}

type gptConversation struct {
	ConversationID string `json:"conversation_id"`
	Mapping        map[string]struct {
		Message *gptMessage `json:"message"`
	} `json:"mapping"`
}

func (chatGPT) Kind() ServiceKind { return KindChatGPT }

func (chatGPT) Match(hostname string) bool {
	return hostHasSuffix(normalizeHost(hostname), "chatgpt.com")
}

func (chatGPT) Endpoint(method, requestURL string) (Endpoint, bool) {
	segs := pathSegments(parsePath(requestURL))
	if len(segs) < 2 || segs[0] != "backend-api" {
		return Endpoint{}, false
	}
	// /backend-api/f/conversation is the newer streaming path.
	if segs[1] == "f" {
		segs = append(segs[:1], segs[2:]...)
	}
	if len(segs) < 2 || segs[1] != "conversation" {
		return Endpoint{}, false
	}
	switch {
	case len(segs) == 2 && method == http.MethodPost:
		return Endpoint{Kind: EndpointStream}, true
	case len(segs) == 3 && method == http.MethodGet && segs[2] != "init":
		return Endpoint{Kind: EndpointHistory, ConversationID: segs[2]}, true
	}
	return Endpoint{}, false
}

func (a chatGPT) Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage {
	if ep.Kind == EndpointHistory {
		return a.extractHistory(ep, events)
	}

	buf := newSnapshotBuffer()
	conversationID := ep.ConversationID
	for _, ev := range events {
		if ev.Done {
			break
		}
		var se gptStreamEvent
		if err := json.Unmarshal(ev.Data, &se); err != nil || se.Message == nil {
			continue
		}
		if se.ConversationID != "" {
			conversationID = se.ConversationID
		}
		if capture.ParseRole(se.Message.Author.Role) != capture.RoleAssistant {
			continue
		}
		buf.add(se.Message.ID, joinParts(se.Message.Content.Parts))
	}

	user, reqConversation := gptUserTurn(requestBody)
	if conversationID == "" {
		conversationID = reqConversation
	}
	if user != nil {
		user.ConversationID = conversationID
	}
	return assemble(user, buf.messages(conversationID))
}

func gptUserTurn(body string) (*capture.CapturedMessage, string) {
	if strings.TrimSpace(body) == "" {
		return nil, ""
	}
	var req gptRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Author.Role != "" && capture.ParseRole(m.Author.Role) != capture.RoleUser {
			continue
		}
		text := strings.TrimSpace(joinParts(m.Content.Parts))
		if text == "" {
			return nil, req.ConversationID
		}
		return &capture.CapturedMessage{
			Role:       capture.RoleUser,
			Content:    text,
			ExternalID: m.ID,
			Source:     capture.SourceAPI,
		}, req.ConversationID
	}
	return nil, req.ConversationID
}

func (chatGPT) extractHistory(ep Endpoint, events []decoder.Event) []capture.CapturedMessage {
	if len(events) == 0 {
		return nil
	}
	var conv gptConversation
	if err := json.Unmarshal(events[0].Data, &conv); err != nil {
		return nil
	}
	conversationID := conv.ConversationID
	if conversationID == "" {
		conversationID = ep.ConversationID
	}

	ids := make([]string, 0, len(conv.Mapping))
	for id := range conv.Mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var msgs []capture.CapturedMessage
	for _, id := range ids {
		m := conv.Mapping[id].Message
		if m == nil {
			continue
		}
		role := capture.ParseRole(m.Author.Role)
		if role == capture.RoleUnknown {
			continue
		}
		text := strings.TrimSpace(joinParts(m.Content.Parts))
		if text == "" {
			continue
		}
		msgs = append(msgs, capture.CapturedMessage{
			Role:           role,
			Content:        text,
			ExternalID:     m.ID,
			ConversationID: conversationID,
			Source:         capture.SourceHistory,
			Timestamp:      unixFloat(m.CreateTime),
		})
	}
	sortByCreated(msgs)
	return msgs
}

func unixFloat(v *float64) time.Time {
	if v == nil || *v <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(*v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
