// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 8 << 20
)

// HTTPSource talks to the workforce backend over HTTP. Fetch issues
// GET {base}/v1/data/{category}?scope={scope} and returns the raw CBOR body;
// Submit POSTs the action to {base}/v1/actions with an Idempotency-Key
// header, so the backend can drop replays of the same action.
type HTTPSource struct {
	base   *url.URL
	token  string
	client *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource builds a source against baseURL. token, if non-empty, is sent
// as a bearer token on every request.
func NewHTTPSource(baseURL, token string) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	return &HTTPSource{
		base:   u,
		token:  token,
		client: &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (h *HTTPSource) Fetch(ctx context.Context, category domain.Category, scope string) ([]byte, error) {
	u := h.base.JoinPath("v1", "data", string(category))
	if scope != "" {
		q := u.Query()
		q.Set("scope", scope)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/cbor")
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", category, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", category, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", category, err)
	}
	return body, nil
}

func (h *HTTPSource) Submit(ctx context.Context, action domain.PendingAction, idempotencyKey string) error {
	body, err := cbor.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", action.ID, err)
	}

	u := h.base.JoinPath("v1", "actions")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/cbor")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", action.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 409 means the backend already applied this idempotency key, which is
	// success for our purposes.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit %s: unexpected status %d", action.ID, resp.StatusCode)
	}
	return nil
}

func (h *HTTPSource) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}
