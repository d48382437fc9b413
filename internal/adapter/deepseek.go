package adapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// deepSeek streams deltas, either OpenAI-style choices or "v" append patches.
type deepSeek struct{}

type deepSeekEvent struct {
	MessageID         json.Number `json:"message_id"`
	ResponseMessageID json.Number `json:"response_message_id"`
	Choices           []struct {
		Delta struct {
			Content string `json:"content"`
			Type    string `json:"type"`
		} `json:"delta"`
	} `json:"choices"`
	P string          `json:"p"`
	O string          `json:"o"`
	V json.RawMessage `json:"v"`
}

func (deepSeek) Kind() ServiceKind { return KindDeepSeek }

func (deepSeek) Match(hostname string) bool {
	return hostHasSuffix(normalizeHost(hostname), "chat.deepseek.com")
}

func (deepSeek) Endpoint(method, requestURL string) (Endpoint, bool) {
	if method != http.MethodPost {
		return Endpoint{}, false
	}
	if strings.HasSuffix(parsePath(requestURL), "/chat/completion") {
		return Endpoint{Kind: EndpointStream}, true
	}
	return Endpoint{}, false
}

func (deepSeek) Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage {
	var req struct {
		ChatSessionID string `json:"chat_session_id"`
	}
	_ = json.Unmarshal([]byte(requestBody), &req)
	conversationID := ep.ConversationID
	if req.ChatSessionID != "" {
		conversationID = req.ChatSessionID
	}

	const placeholder = "_deepseek"
	buf := newDeltaBuffer()
	current := placeholder
	setID := func(n json.Number) {
		if n == "" {
			return
		}
		id := string(n)
		if conversationID != "" {
			id = fmt.Sprintf("%s:%s", conversationID, n)
		}
		if current == placeholder {
			buf.rename(current, id)
			current = id
		}
	}

	for _, ev := range events {
		if ev.Done {
			break
		}
		var de deepSeekEvent
		if err := json.Unmarshal(ev.Data, &de); err != nil {
			continue
		}
		setID(de.MessageID)
		setID(de.ResponseMessageID)

		for _, c := range de.Choices {
			if c.Delta.Type == "thinking" {
				continue
			}
			buf.add(current, c.Delta.Content)
		}

		if len(de.V) > 0 && (de.P == "" || strings.HasSuffix(de.P, "content")) {
			var s string
			if err := json.Unmarshal(de.V, &s); err == nil {
				buf.add(current, s)
			}
		}
	}

	user := promptTurn(requestBody)
	if user != nil {
		user.ConversationID = conversationID
	}
	return assemble(user, buf.messages(conversationID))
}
