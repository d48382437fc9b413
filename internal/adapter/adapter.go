// Package adapter maps decoded wire events from each chat vendor onto
// captured messages.
package adapter

import (
	"net/url"
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
	"github.com/MikeSquared-Agency/anychat/internal/decoder"
)

// ServiceKind is the closed set of supported chat services.
type ServiceKind int

const (
	KindUnknown ServiceKind = iota
	KindChatGPT
	KindClaude
	KindDeepSeek
	KindGemini
	KindQwen
	KindKimi
	KindPoe
	KindPerplexity
)

var kindNames = map[ServiceKind]string{
	KindUnknown:    "unknown",
	KindChatGPT:    "chatgpt",
	KindClaude:     "claude",
	KindDeepSeek:   "deepseek",
	KindGemini:     "gemini",
	KindQwen:       "qwen",
	KindKimi:       "kimi",
	KindPoe:        "poe",
	KindPerplexity: "perplexity",
}

func (k ServiceKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// EndpointKind tells an adapter which vendor call a response belongs to.
type EndpointKind int

const (
	EndpointStream EndpointKind = iota
	EndpointHistory
)

// Endpoint is what an adapter learned from the request URL.
type Endpoint struct {
	Kind           EndpointKind
	ConversationID string
}

// Adapter is one vendor's extraction ruleset.
type Adapter interface {
	Kind() ServiceKind
	Match(hostname string) bool
	// Endpoint reports whether the request is one the adapter extracts from.
	Endpoint(method, requestURL string) (Endpoint, bool)
	Extract(ep Endpoint, events []decoder.Event, requestBody string) []capture.CapturedMessage
}

// Selection is the result of the hostname lookup done once per page.
type Selection struct {
	Kind    ServiceKind
	Network Adapter    // nil when the service is DOM-only
	DOM     *Selectors // nil when no selector table entry exists
}

type tableEntry struct {
	suffix  string
	kind    ServiceKind
	network Adapter
	dom     *Selectors
}

// table is matched first-hit by hostname suffix. Suffixes must not overlap.
var table = []tableEntry{
	{suffix: "chatgpt.com", kind: KindChatGPT, network: chatGPT{}, dom: &chatGPTSelectors},
	{suffix: "claude.ai", kind: KindClaude, network: claude{}, dom: &claudeSelectors},
	{suffix: "chat.deepseek.com", kind: KindDeepSeek, network: deepSeek{}, dom: &deepSeekSelectors},
	{suffix: "gemini.google.com", kind: KindGemini, dom: &geminiSelectors},
	{suffix: "chat.qwen.ai", kind: KindQwen, network: qwen{}, dom: &qwenSelectors},
	{suffix: "kimi.moonshot.cn", kind: KindKimi, network: kimi{}, dom: &kimiSelectors},
	{suffix: "poe.com", kind: KindPoe, dom: &poeSelectors},
	{suffix: "perplexity.ai", kind: KindPerplexity, dom: &perplexitySelectors},
}

// Select looks the hostname up in the adapter table.
func Select(hostname string) (Selection, bool) {
	host := normalizeHost(hostname)
	for _, e := range table {
		if !hostHasSuffix(host, e.suffix) {
			continue
		}
		return Selection{Kind: e.kind, Network: e.network, DOM: e.dom}, true
	}
	return Selection{Kind: KindUnknown}, false
}

// Kinds returns every kind that has a table entry, in table order.
func Kinds() []ServiceKind {
	kinds := make([]ServiceKind, len(table))
	for i, e := range table {
		kinds[i] = e.kind
	}
	return kinds
}

func normalizeHost(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	return strings.TrimPrefix(h, "www.")
}

func hostHasSuffix(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// parsePath returns the path of a request URL, tolerating relative URLs.
func parsePath(requestURL string) string {
	u, err := url.Parse(requestURL)
	if err != nil {
		return ""
	}
	return u.Path
}
