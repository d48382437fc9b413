package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// Scheme delivers through a private URI scheme that the host serves in
// process, so it does not depend on network egress being allowed.
type Scheme struct {
	client   *http.Client
	endpoint string
}

// NewScheme registers handler under scheme and targets scheme://localhost/capture.
func NewScheme(scheme string, handler http.Handler) *Scheme {
	scheme = strings.ToLower(strings.TrimSuffix(scheme, "://"))
	t := &http.Transport{}
	t.RegisterProtocol(scheme, handlerTransport{handler: handler})
	return &Scheme{
		client:   &http.Client{Transport: t, Timeout: DefaultHTTPTimeout},
		endpoint: scheme + "://localhost/capture",
	}
}

func (s *Scheme) Name() string { return "scheme" }

func (s *Scheme) Deliver(ctx context.Context, batch capture.CaptureBatch) error {
	return postJSON(ctx, s.client, s.endpoint, s.Name(), batch)
}

// handlerTransport answers requests by calling an http.Handler directly.
type handlerTransport struct {
	handler http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	w := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
	t.handler.ServeHTTP(w, req)
	return &http.Response{
		Status:        http.StatusText(w.status),
		StatusCode:    w.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.header,
		Body:          io.NopCloser(bytes.NewReader(w.body.Bytes())),
		ContentLength: int64(w.body.Len()),
		Request:       req,
	}, nil
}

type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *bufferedResponse) Header() http.Header { return w.header }

func (w *bufferedResponse) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
}

func (w *bufferedResponse) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.body.Write(p)
}
