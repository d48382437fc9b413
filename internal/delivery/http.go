package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/anychat/internal/capture"
)

// DefaultHTTPTimeout keeps a blocked loopback POST from hanging the flush.
const DefaultHTTPTimeout = 5 * time.Second

// HTTP posts batches as JSON to the loopback capture server.
type HTTP struct {
	client   *http.Client
	endpoint string
}

// NewHTTP targets baseURL + "/capture", e.g. http://127.0.0.1:33445.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTP{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/capture",
	}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Deliver(ctx context.Context, batch capture.CaptureBatch) error {
	return postJSON(ctx, h.client, h.endpoint, h.Name(), batch)
}

func postJSON(ctx context.Context, client *http.Client, endpoint, channel string, batch capture.CaptureBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return &DeliveryError{Channel: channel, Err: fmt.Errorf("marshal batch: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Channel: channel, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{Channel: channel, Status: resp.StatusCode}
	}
	return nil
}

// Beacon sends one image GET per message. It gets no confirmation back, so
// Deliver never reports failure.
type Beacon struct {
	client   *http.Client
	endpoint string
}

// NewBeacon targets baseURL + "/beacon".
func NewBeacon(baseURL string, timeout time.Duration) *Beacon {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Beacon{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(baseURL, "/") + "/beacon",
	}
}

func (b *Beacon) Name() string { return "beacon" }

// URL builds the beacon request URL for one message.
func (b *Beacon) URL(serviceID string, m capture.CapturedMessage) (string, error) {
	payload, err := json.Marshal(capture.NewBeaconPayload(serviceID, m))
	if err != nil {
		return "", err
	}
	return b.endpoint + "?d=" + url.QueryEscape(string(payload)), nil
}

func (b *Beacon) Deliver(ctx context.Context, batch capture.CaptureBatch) error {
	for _, m := range batch.Messages {
		u, err := b.URL(batch.ServiceID, m)
		if err != nil {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			continue
		}
		resp, err := b.client.Do(req)
		if err != nil {
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return nil
}
