package adapter

import (
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// Selectors locate chat turns in a service's markup.
type Selectors struct {
	Container        string
	UserMessage      string
	AssistantMessage string
	Content          string
}

var (
	chatGPTSelectors = Selectors{
		Container:        `[data-testid^="conversation-turn"]`,
		UserMessage:      `[data-message-author-role="user"]`,
		AssistantMessage: `[data-message-author-role="assistant"]`,
		Content:          `.markdown`,
	}
	geminiSelectors = Selectors{
		Container:        `.conversation-container`,
		UserMessage:      `.query-content`,
		AssistantMessage: `.response-container`,
		Content:          `.markdown`,
	}
	deepSeekSelectors = Selectors{
		Container:        `.message-item`,
		UserMessage:      `.user-message`,
		AssistantMessage: `.assistant-message`,
		Content:          `.message-content`,
	}
	claudeSelectors = Selectors{
		Container:        `[data-testid="conversation-turn"]`,
		UserMessage:      `.human-message`,
		AssistantMessage: `.assistant-message`,
		Content:          `.prose`,
	}
	qwenSelectors = Selectors{
		Container:        `[class*="chat-message"]`,
		UserMessage:      `[class*="user"]`,
		AssistantMessage: `[class*="assistant"]`,
		Content:          `[class*="content"]`,
	}
	kimiSelectors = Selectors{
		Container:        `[class*="message-item"]`,
		UserMessage:      `[class*="user"]`,
		AssistantMessage: `[class*="assistant"]`,
		Content:          `[class*="content"]`,
	}
	poeSelectors = Selectors{
		Container:        `[class*="Message_"]`,
		UserMessage:      `[class*="human"]`,
		AssistantMessage: `[class*="bot"]`,
		Content:          `[class*="Markdown"]`,
	}
	perplexitySelectors = Selectors{
		Container:        `[class*="prose"]`,
		UserMessage:      `[class*="user"]`,
		AssistantMessage: `[class*="prose"]`,
		Content:          `[class*="prose"]`,
	}
)

// Element is the slice of the DOM a capture pass needs.
type Element interface {
	Query(selector string) (Element, bool)
	Matches(selector string) bool
	Text() string
}

// Document is a queryable view of a page.
type Document interface {
	QueryAll(selector string) []Element
}

// ExtractDOM runs one scrape of doc. Turns whose role cannot be resolved or
// whose text is empty are dropped. Output has no external ids; callers key it
// by content hash.
func ExtractDOM(doc Document, sel Selectors) []capture.CapturedMessage {
	if doc == nil {
		return nil
	}
	ts := now()
	var out []capture.CapturedMessage
	for _, container := range doc.QueryAll(sel.Container) {
		role, text := resolveTurn(container, sel)
		text = strings.TrimSpace(text)
		if role == capture.RoleUnknown || text == "" {
			continue
		}
		out = append(out, capture.CapturedMessage{
			Role:      role,
			Content:   text,
			Source:    capture.SourceDOM,
			Timestamp: ts,
		})
	}
	return out
}

// resolveTurn tries, in order: a user descendant, an assistant descendant,
// the container itself as user, the container itself as assistant.
func resolveTurn(container Element, sel Selectors) (capture.Role, string) {
	contentOr := func(root, fallback Element) string {
		if sel.Content == "" {
			return fallback.Text()
		}
		if el, ok := root.Query(sel.Content); ok {
			return el.Text()
		}
		return fallback.Text()
	}

	if sel.UserMessage != "" {
		if el, ok := container.Query(sel.UserMessage); ok {
			return capture.RoleUser, contentOr(container, el)
		}
	}
	if sel.AssistantMessage != "" {
		if el, ok := container.Query(sel.AssistantMessage); ok {
			return capture.RoleAssistant, contentOr(container, el)
		}
	}
	if sel.UserMessage != "" && container.Matches(sel.UserMessage) {
		return capture.RoleUser, contentOr(container, container)
	}
	if sel.AssistantMessage != "" && container.Matches(sel.AssistantMessage) {
		return capture.RoleAssistant, contentOr(container, container)
	}
	return capture.RoleUnknown, ""
}
