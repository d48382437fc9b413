package adapter

import (
	"encoding/json"
	"net/http"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// kimi streams "cmpl" events carrying text deltas.
type kimi struct{}

type kimiEvent struct {
	Event string `json:"event"`
	Text  string `json:"text"`
	ID    string `json:"id"`
}

func (kimi) Kind() ServiceKind { return KindKimi }

func (kimi) Match(hostname string) bool {
	return hostHasSuffix(normalizeHost(hostname), "kimi.moonshot.cn")
}

// Endpoint matches /api/chat/{id}/completion/stream.
func (kimi) Endpoint(method, requestURL string) (Endpoint, bool) {
	segs := pathSegments(parsePath(requestURL))
	if method != http.MethodPost || len(segs) != 5 {
		return Endpoint{}, false
	}
	if segs[0] != "api" || segs[1] != "chat" || segs[3] != "completion" || segs[4] != "stream" {
		return Endpoint{}, false
	}
	return Endpoint{Kind: EndpointStream, ConversationID: segs[2]}, true
}

func (kimi) Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage {
	const placeholder = "_kimi"
	buf := newDeltaBuffer()
	current := placeholder
	var userID string
	for _, ev := range events {
		if ev.Done {
			break
		}
		var ke kimiEvent
		if err := json.Unmarshal(ev.Data, &ke); err != nil {
			continue
		}
		switch ke.Event {
		case "req":
			userID = ke.ID
		case "resp":
			if ke.ID != "" && current == placeholder {
				buf.rename(current, ke.ID)
				current = ke.ID
			}
		case "cmpl":
			buf.add(current, ke.Text)
		}
		if ke.Event == "all_done" {
			break
		}
	}

	user := lastUserTurn(requestBody)
	if user != nil {
		user.ConversationID = ep.ConversationID
		if user.ExternalID == "" {
			user.ExternalID = userID
		}
	}
	return assemble(user, buf.messages(ep.ConversationID))
}
