package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meridian-io/gateway/fault"
)

// Record is one item stored in a personal data vault.
type Record struct {
	ID         string          `json:"id"`
	Schema     string          `json:"schema"`
	DataFormat string          `json:"dataFormat"`
	Payload    json.RawMessage `json:"payload"`
	Published  bool            `json:"published"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Query filters records. Zero-value fields match everything; Published is
// a tri-state so "unset" and "false" stay distinguishable.
type Query struct {
	Schema     string
	DataFormat string
	Published  *bool
}

// Matches reports whether rec satisfies every set filter.
func (q Query) Matches(rec Record) bool {
	if q.Schema != "" && rec.Schema != q.Schema {
		return false
	}
	if q.DataFormat != "" && rec.DataFormat != q.DataFormat {
		return false
	}
	if q.Published != nil && rec.Published != *q.Published {
		return false
	}
	return true
}

// DWNClient talks to a remote decentralized web node. Service treats any
// NETWORK_ERROR from it as the trigger for fallback mode.
type DWNClient interface {
	// CreateIdentity provisions a new decentralized identifier.
	CreateIdentity(ctx context.Context) (string, error)
	// ResolveIdentity verifies that did is known to the node.
	ResolveIdentity(ctx context.Context, did string) error
	// WriteRecord stores rec under did and returns the record ID.
	WriteRecord(ctx context.Context, did string, rec Record) (string, error)
	// ReadRecord fetches a single record by ID.
	ReadRecord(ctx context.Context, did, recordID string) (Record, error)
	// QueryRecords returns all records under did matching q, oldest first.
	QueryRecords(ctx context.Context, did string, q Query) ([]Record, error)
	// DeleteRecord removes a record by ID.
	DeleteRecord(ctx context.Context, did, recordID string) error
}

// HTTPDWNClient is the production DWNClient. It walks the configured
// endpoint list in order and fails over to the next endpoint on transport
// errors. NETWORK_ERROR surfaces when every endpoint is unreachable, or
// when the answering node reports a server-side failure.
type HTTPDWNClient struct {
	endpoints []string
	client    *http.Client
}

// NewHTTPDWNClient builds a client for the given node endpoints.
func NewHTTPDWNClient(endpoints []string, timeout time.Duration) (*HTTPDWNClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one vault endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDWNClient{
		endpoints: endpoints,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPDWNClient) CreateIdentity(ctx context.Context) (string, error) {
	var resp struct {
		DID string `json:"did"`
	}
	if err := c.do(ctx, http.MethodPost, "/identities", nil, &resp); err != nil {
		return "", err
	}
	if resp.DID == "" {
		return "", fault.New(fault.KindNetworkError).WithMessage("vault node returned an empty identifier")
	}
	return resp.DID, nil
}

func (c *HTTPDWNClient) ResolveIdentity(ctx context.Context, did string) error {
	return c.do(ctx, http.MethodGet, "/identities/"+url.PathEscape(did), nil, nil)
}

func (c *HTTPDWNClient) WriteRecord(ctx context.Context, did string, rec Record) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := "/" + url.PathEscape(did) + "/records"
	if err := c.do(ctx, http.MethodPost, path, rec, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPDWNClient) ReadRecord(ctx context.Context, did, recordID string) (Record, error) {
	var rec Record
	path := "/" + url.PathEscape(did) + "/records/" + url.PathEscape(recordID)
	if err := c.do(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (c *HTTPDWNClient) QueryRecords(ctx context.Context, did string, q Query) ([]Record, error) {
	req := struct {
		Schema     string `json:"schema,omitempty"`
		DataFormat string `json:"dataFormat,omitempty"`
		Published  *bool  `json:"published,omitempty"`
	}{q.Schema, q.DataFormat, q.Published}

	var resp struct {
		Records []Record `json:"records"`
	}
	path := "/" + url.PathEscape(did) + "/records/query"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *HTTPDWNClient) DeleteRecord(ctx context.Context, did, recordID string) error {
	path := "/" + url.PathEscape(did) + "/records/" + url.PathEscape(recordID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do runs one request against each endpoint until one answers. An HTTP
// response, even an error status, stops the failover: the node was
// reachable and retrying elsewhere would mask real failures.
func (c *HTTPDWNClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, method, endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return c.decode(resp, out)
	}
	return fault.Wrap(fault.KindNetworkError, lastErr)
}

func (c *HTTPDWNClient) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fault.New(fault.KindNotFound)
	}
	if resp.StatusCode >= 500 {
		// A broken node is as unusable as an unreachable one; surfacing it
		// as a network failure lets the service fall back locally.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.New(fault.KindNetworkError).
			WithMessage(fmt.Sprintf("vault node returned %d: %s", resp.StatusCode, data))
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fault.New(fault.KindReadFailed).
			WithMessage(fmt.Sprintf("vault node returned %d: %s", resp.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
