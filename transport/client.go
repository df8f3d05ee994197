package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postsync/post/errs"
	"github.com/postsync/post/handshake"
)

// Client calls another peer's transport endpoints over HTTP.
type Client struct {
	httpClient *http.Client
}

// NewClient builds a transport client with a bounded per-request timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 5 * time.Second}}
}

// Status calls GET {baseURL}/v1/status.
func (c *Client) Status(ctx context.Context, baseURL string) (StatusResponse, error) {
	var out StatusResponse
	err := c.doJSON(ctx, http.MethodGet, baseURL+"/v1/status", nil, &out)
	return out, err
}

// Handshake POSTs one handshake envelope and decodes the reply envelope.
func (c *Client) Handshake(ctx context.Context, baseURL string, req handshake.Envelope) (handshake.Envelope, error) {
	var out handshake.Envelope
	err := c.doJSON(ctx, http.MethodPost, baseURL+"/v1/handshake", req, &out)
	return out, err
}

// Sync POSTs an encrypted clipboard frame to a peer.
func (c *Client) Sync(ctx context.Context, baseURL string, env EncryptedEnvelope) error {
	return c.doJSON(ctx, http.MethodPost, baseURL+"/v1/clipboard/sync", env, nil)
}

// Pull fetches the latest payload a peer has observed, encrypted for us.
// ok is false when the peer has nothing to offer yet.
func (c *Client) Pull(ctx context.Context, baseURL, selfID string) (env EncryptedEnvelope, ok bool, err error) {
	url := fmt.Sprintf("%s/v1/clipboard/pull?peer=%s", baseURL, selfID)
	req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if rerr != nil {
		return EncryptedEnvelope{}, false, errs.New(errs.Transport, "transport.Pull", rerr)
	}
	resp, rerr := c.httpClient.Do(req)
	if rerr != nil {
		return EncryptedEnvelope{}, false, errs.New(errs.Transport, "transport.Pull", rerr)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return EncryptedEnvelope{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return EncryptedEnvelope{}, false, errs.New(errs.Transport, "transport.Pull", fmt.Errorf("peer returned %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return EncryptedEnvelope{}, false, errs.New(errs.Transport, "transport.Pull", err)
	}
	return env, true, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.Transport, "transport.doJSON", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errs.New(errs.Transport, "transport.doJSON", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.Transport, "transport.doJSON", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errs.New(errs.Transport, "transport.doJSON", errs.ErrUnauthenticated)
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New(errs.Transport, "transport.doJSON", fmt.Errorf("peer returned %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.Transport, "transport.doJSON", err)
	}
	return nil
}
