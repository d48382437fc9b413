package surface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/MikeSquared-Agency/anychat/internal/adapter"
	"github.com/MikeSquared-Agency/anychat/internal/agent"
)

// Host owns one Chrome instance and the chat pages opened in it.
type Host struct {
	browser *rod.Browser
	logger  *slog.Logger

	// create builds a page for id; Open holds mu around it.
	create func(ctx context.Context, id string) (*Page, error)

	mu    sync.Mutex
	pages map[string]*Page
}

// Connect attaches to Chrome at controlURL, or launches a visible browser
// when controlURL is empty.
func Connect(ctx context.Context, controlURL string, logger *slog.Logger) (*Host, error) {
	if controlURL == "" {
		u, err := launcher.New().Headless(false).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	logger.Info("browser connected", "control_url", controlURL)
	h := &Host{browser: browser, logger: logger, pages: make(map[string]*Page)}
	h.create = h.newPage
	return h, nil
}

// Open creates a blank page under id with the bootstrap installed. Call
// Watch before Navigate so the first load is observed.
// Concurrent calls for one id share a single page.
func (h *Host) Open(ctx context.Context, id string) (*Page, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pages[id]; ok {
		return p, nil
	}
	p, err := h.create(ctx, id)
	if err != nil {
		return nil, err
	}
	h.pages[id] = p
	return p, nil
}

func (h *Host) newPage(ctx context.Context, id string) (*Page, error) {
	rp, err := h.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page %s: %w", id, err)
	}
	p := &Page{id: id, page: rp, logger: h.logger.With("surface", id)}
	if err := p.InjectScript(ctx, Bootstrap); err != nil {
		_ = rp.Close()
		return nil, err
	}
	return p, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages = make(map[string]*Page)
	return h.browser.Close()
}

// Page is a rod-backed Surface.
type Page struct {
	id     string
	page   *rod.Page
	logger *slog.Logger
}

func (p *Page) ID() string { return p.id }

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.page.Context(ctx).Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *Page) InjectScript(ctx context.Context, js string) error {
	if _, err := p.page.Context(ctx).EvalOnNewDocument(js); err != nil {
		return fmt.Errorf("install script: %w", err)
	}
	res, err := proto.RuntimeEvaluate{Expression: js}.Call(p.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("run script: %s", res.ExceptionDetails.Text)
	}
	return nil
}

func (p *Page) Evaluate(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return json.RawMessage(res.Value.JSON("", "")), nil
}

// Snapshot parses the current DOM.
func (p *Page) Snapshot(ctx context.Context) (adapter.Document, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	return adapter.NewSnapshot(html)
}

type inflight struct {
	method      string
	url         string
	postData    string
	hasPostData bool
	contentType string
}

// Watch subscribes to network exchanges and main-frame navigations and
// returns a func that feeds them to a until ctx ends. Response bodies are
// read through the debugger after loading finishes, so the page's own
// stream is never consumed.
func (p *Page) Watch(ctx context.Context, a *agent.Agent) (func(), error) {
	page := p.page.Context(ctx)
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network: %w", err)
	}
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable page events: %w", err)
	}

	var mu sync.Mutex
	pending := make(map[proto.NetworkRequestID]*inflight)

	wait := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil || !tracked(ev.Type) {
				return
			}
			mu.Lock()
			pending[ev.RequestID] = &inflight{
				method:      ev.Request.Method,
				url:         ev.Request.URL,
				postData:    ev.Request.PostData,
				hasPostData: ev.Request.HasPostData,
			}
			mu.Unlock()
		},
		func(ev *proto.NetworkResponseReceived) {
			mu.Lock()
			if in, ok := pending[ev.RequestID]; ok && ev.Response != nil {
				in.contentType = ev.Response.MIMEType
			}
			mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFailed) {
			mu.Lock()
			delete(pending, ev.RequestID)
			mu.Unlock()
		},
		func(ev *proto.NetworkLoadingFinished) {
			mu.Lock()
			in, ok := pending[ev.RequestID]
			delete(pending, ev.RequestID)
			mu.Unlock()
			if ok {
				go p.observe(ctx, a, ev.RequestID, in)
			}
		},
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			if err := a.Reset(ev.Frame.URL); err != nil {
				p.logger.Debug("reset after navigation failed", "url", ev.Frame.URL, "error", err)
			}
		},
	)
	return wait, nil
}

func tracked(t proto.NetworkResourceType) bool {
	switch t {
	case proto.NetworkResourceTypeFetch, proto.NetworkResourceTypeXHR, proto.NetworkResourceTypeEventSource:
		return true
	}
	return false
}

func (p *Page) observe(ctx context.Context, a *agent.Agent, id proto.NetworkRequestID, in *inflight) {
	page := p.page.Context(ctx)

	if in.postData == "" && in.hasPostData {
		if res, err := (proto.NetworkGetRequestPostData{RequestID: id}).Call(page); err == nil {
			in.postData = res.PostData
		}
	}

	body, err := (proto.NetworkGetResponseBody{RequestID: id}).Call(page)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Debug("response body unavailable", "url", in.url, "error", err)
		}
		return
	}
	data := body.Body
	if body.Base64Encoded {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return
		}
		data = string(raw)
	}

	a.ObserveExchange(ctx, agent.Exchange{
		Method:      in.method,
		URL:         in.url,
		RequestBody: in.postData,
		ContentType: in.contentType,
		Body:        strings.NewReader(data),
	})
}
