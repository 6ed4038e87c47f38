package trustee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/curious-containers/ccagency/pkg/types"
)

// ErrAlreadyExists is returned by Put when the bundle id is taken.
var ErrAlreadyExists = errors.New("secret bundle already exists")

const defaultTimeout = 10 * time.Second

// Client talks to the external trustee service that stores per-batch secret
// bundles.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New creates a trustee client. Requests use basic auth and a bounded
// timeout; a timed-out call is a transport failure.
func New(baseURL, username, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

type putRequest struct {
	ID   string            `json:"id"`
	Data map[string]string `json:"data"`
}

type getResponse struct {
	Data        map[string]string `json:"data"`
	MissingKeys []string          `json:"missingKeys,omitempty"`
}

type errorResponse struct {
	Message      string `json:"message"`
	DisableRetry bool   `json:"disableRetry"`
}

// Put stores a secret bundle. A duplicate id yields ErrAlreadyExists, which
// callers treat as success of a replayed request.
func (c *Client) Put(ctx context.Context, bundleID string, data map[string]string) error {
	body, err := json.Marshal(putRequest{ID: bundleID, Data: data})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/secrets", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	default:
		return c.failure(resp)
	}
}

// Get fetches the named keys of a bundle. Keys the trustee does not hold
// are fatal for the batch: they can never appear by retrying.
func (c *Client) Get(ctx context.Context, bundleID string, keys []string) (map[string]string, error) {
	q := url.Values{}
	q.Set("id", bundleID)
	q.Set("keys", strings.Join(keys, ","))
	resp, err := c.do(ctx, http.MethodGet, "/secrets?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.failure(resp)
	}

	var out getResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &types.Failure{
			Kind:   types.FailureTransport,
			Reason: "trustee response malformed",
			Err:    err,
		}
	}
	if len(out.MissingKeys) > 0 {
		return nil, &types.Failure{
			Kind:         types.FailureSecret,
			Reason:       "secret_missing",
			DisableRetry: true,
			Err:          fmt.Errorf("missing keys: %s", strings.Join(out.MissingKeys, ", ")),
		}
	}
	return out.Data, nil
}

// Delete removes keys of a bundle. Deleting an unknown bundle succeeds so
// the call is idempotent across recovery replays.
func (c *Client) Delete(ctx context.Context, bundleID string, keys []string) error {
	body, err := json.Marshal(putRequest{ID: bundleID, Data: nil})
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("keys", strings.Join(keys, ","))
	resp, err := c.do(ctx, http.MethodDelete, "/secrets?"+q.Encode(), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.failure(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &types.Failure{
			Kind:   types.FailureTransport,
			Reason: "trustee unreachable",
			Err:    err,
		}
	}
	return resp, nil
}

// failure maps an error response to the taxonomy, honoring the trustee's
// disableRetry hint.
func (c *Client) failure(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode >= 500 {
		return &types.Failure{
			Kind:   types.FailureTransport,
			Reason: fmt.Sprintf("trustee returned %d", resp.StatusCode),
		}
	}
	return &types.Failure{
		Kind:         types.FailureSecret,
		Reason:       fmt.Sprintf("trustee rejected request (%d)", resp.StatusCode),
		DisableRetry: body.DisableRetry,
		Err:          errors.New(body.Message),
	}
}
