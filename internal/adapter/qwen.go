package adapter

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// qwen uses OpenAI-style choice deltas. Thinking-phase deltas are skipped.
type qwen struct{}

type qwenEvent struct {
	ID      string `json:"id"`
	Created *struct {
		ChatID     string `json:"chat_id"`
		ResponseID string `json:"response_id"`
	} `json:"response.created"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Phase   string `json:"phase"`
		} `json:"delta"`
	} `json:"choices"`
}

func (qwen) Kind() ServiceKind { return KindQwen }

func (qwen) Match(hostname string) bool {
	return hostHasSuffix(normalizeHost(hostname), "chat.qwen.ai")
}

func (qwen) Endpoint(method, requestURL string) (Endpoint, bool) {
	if method != http.MethodPost {
		return Endpoint{}, false
	}
	u, err := url.Parse(requestURL)
	if err != nil || !strings.HasSuffix(u.Path, "/chat/completions") {
		return Endpoint{}, false
	}
	return Endpoint{Kind: EndpointStream, ConversationID: u.Query().Get("chat_id")}, true
}

func (qwen) Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage {
	var req struct {
		ChatID string `json:"chat_id"`
	}
	_ = json.Unmarshal([]byte(requestBody), &req)
	conversationID := ep.ConversationID
	if conversationID == "" {
		conversationID = req.ChatID
	}

	const placeholder = "_qwen"
	buf := newDeltaBuffer()
	current := placeholder
	for _, ev := range events {
		if ev.Done {
			break
		}
		var qe qwenEvent
		if err := json.Unmarshal(ev.Data, &qe); err != nil {
			continue
		}
		if qe.Created != nil {
			if conversationID == "" {
				conversationID = qe.Created.ChatID
			}
			if qe.Created.ResponseID != "" && current == placeholder {
				buf.rename(current, qe.Created.ResponseID)
				current = qe.Created.ResponseID
			}
		}
		if qe.ID != "" && current == placeholder {
			buf.rename(current, qe.ID)
			current = qe.ID
		}
		for _, c := range qe.Choices {
			if c.Delta.Phase == "think" || c.Delta.Phase == "thinking_summary" {
				continue
			}
			buf.add(current, c.Delta.Content)
		}
	}

	user := lastUserTurn(requestBody)
	if user != nil {
		user.ConversationID = conversationID
	}
	return assemble(user, buf.messages(conversationID))
}
