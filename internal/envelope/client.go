package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client posts packed envelopes to peer services. Every call carries a
// deadline; a serverless peer may stall arbitrarily.
type Client struct {
	httpClient *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Post sends one request envelope to the service at url and returns the raw
// response envelope. Transport failures and undecodable replies surface as
// RemoteCallErrors so callers can apply their retry policy uniformly.
func (c *Client) Post(ctx context.Context, url string, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RemoteCallError{Status: -1, Message: fmt.Sprintf("remote unreachable: %v", err)}
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &RemoteCallError{Status: -1, Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	return &resp, nil
}
