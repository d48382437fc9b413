// Package surface binds page agents to the webviews the host controls and
// drives the host-initiated beacon drain.
package surface

import (
	"context"
	_ "embed"
	"encoding/json"
)

// Bootstrap is injected into every document. It counts DOM mutations into
// window.__anychat so the host can poll them.
//
//go:embed bootstrap.js
var Bootstrap string

// takeState returns and resets the mutation counter along with the current
// location. Evaluate expects a function expression.
const takeState = `() => {
	const s = window.__anychat;
	const n = s ? s.mutations : 0;
	if (s) s.mutations = 0;
	return { mutations: n, url: location.href, injected: !!s };
}`

// Surface is one webview in the host's session manager.
type Surface interface {
	ID() string
	// InjectScript installs js in the current document and every future one.
	InjectScript(ctx context.Context, js string) error
	// Evaluate runs a JS function expression and returns its JSON result.
	Evaluate(ctx context.Context, js string) (json.RawMessage, error)
}

type pageState struct {
	Mutations int    `json:"mutations"`
	URL       string `json:"url"`
	Injected  bool   `json:"injected"`
}
