package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/wyvernglobal/junknas/pkg/constants"
)

// Client is the outbound HTTP side of the sync protocol. Sends and receives
// are bounded by the peer dial timeout so one slow peer cannot stall a sync
// round beyond it.
type Client struct {
	http *http.Client
}

// NewClient returns a client with the protocol timeouts applied.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: constants.PeerDialTimeout},
	}
}

// PostState posts the local mesh state to a target's /mesh/peers and decodes
// the peer state echoed back. Any non-2xx status is an error.
func (c *Client) PostState(ctx context.Context, target string, st State) (State, error) {
	var out State
	if err := c.postJSON(ctx, "http://"+target+"/mesh/peers", st, &out); err != nil {
		return State{}, err
	}
	return out, nil
}

// PostAlternate informs a hub that the peer at wg_ip rotated its key.
func (c *Client) PostAlternate(ctx context.Context, target string, req AlternateRequest) error {
	return c.postJSON(ctx, "http://"+target+"/mesh/alternate", req, nil)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
