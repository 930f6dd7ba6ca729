package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	wherrors "github.com/randalmurphal/workerhub/pkg/workerhub/errors"
	"github.com/randalmurphal/workerhub/pkg/workerhub/event"
)

// maxDescriptorSize bounds the response body read from the repository service.
const maxDescriptorSize = 1 << 20

// HTTP resolves descriptors from a code-repository service at
// GET {base}/events/{id}.
type HTTP struct {
	base   string
	client *http.Client
}

// HTTPOption configures an HTTP repository.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// NewHTTP creates a repository client rooted at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get fetches the descriptor for ref.
func (h *HTTP) Get(ctx context.Context, ref event.Reference) (Descriptor, error) {
	endpoint := h.base + "/events/" + url.PathEscape(ref.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Descriptor{}, wherrors.Resolution("request", err).WithEvent(ref.ID)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Descriptor{}, wherrors.Resolution("fetch", err).WithEvent(ref.ID)
		}
		return Descriptor{}, wherrors.Resolution("fetch", wherrors.Transport("get", err)).WithEvent(ref.ID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return Descriptor{}, wherrors.Resolution("fetch", wherrors.Transport("read body", err)).WithEvent(ref.ID)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Descriptor{}, wherrors.Resolution("fetch", &wherrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   endpoint,
		}).WithEvent(ref.ID)
	}

	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return Descriptor{}, wherrors.Resolution("descriptor", fmt.Errorf("decode: %w", err)).WithEvent(ref.ID)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
