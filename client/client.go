// Package client talks to a primary's HTTP admin API.
package client

import (
	"fmt"

	"DagPrimary/internal/api"
	"DagPrimary/internal/types"
)

// Client connects to a primary via HTTP.
type Client struct {
	nodeAddr string          // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	name     types.PublicKey // name is the primary's public key
}

// Status is the primary's synchronization state.
type Status struct {
	Name         types.PublicKey // Name is the primary's public key
	Epoch        uint64          // Epoch is the committee epoch
	Certificates int             // Certificates is the number of stored certificates
	Pending      int             // Pending is the number of in-flight synchronizations
}

// Result is the outcome of synchronizing one digest.
type Result struct {
	Digest      types.Digest    // Digest is the certificate digest
	OK          bool            // OK is true when the digest was resolved
	FromStorage bool            // FromStorage is true when no peer round was needed
	Round       uint64          // Round is the certificate round, if resolved
	Author      types.PublicKey // Author is the certificate author, if resolved
	Error       string          // Error describes the failure, if any
}

// NewClient creates a client connected to a primary.
// It fetches the primary's name from the /status endpoint.
func NewClient(nodeAddr string) (*Client, error) {
	c := &Client{nodeAddr: nodeAddr}

	status, err := c.Status()
	if err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	c.name = status.Name

	return c, nil
}

// Name returns the primary's public key.
func (c *Client) Name() types.PublicKey {
	return c.name
}

// Health checks that the primary is serving.
func (c *Client) Health() error {
	var resp map[string]string

	if err := httpGet(c.url("/health"), &resp); err != nil {
		return fmt.Errorf("health:\n%w", err)
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unhealthy: %q", resp["status"])
	}

	return nil
}

// Status returns the primary's synchronization state.
func (c *Client) Status() (*Status, error) {
	var resp api.Status

	if err := httpGet(c.url("/status"), &resp); err != nil {
		return nil, fmt.Errorf("status:\n%w", err)
	}

	name, err := types.ParsePublicKey(resp.Name)
	if err != nil {
		return nil, fmt.Errorf("invalid name %q:\n%w", resp.Name, err)
	}

	return &Status{
		Name:         name,
		Epoch:        resp.Epoch,
		Certificates: resp.Certificates,
		Pending:      resp.Pending,
	}, nil
}

// SyncHeaders asks the primary to retrieve the certificates for digests.
func (c *Client) SyncHeaders(digests []types.Digest) ([]Result, error) {
	return c.sync("/sync/headers", digests)
}

// SyncPayload asks the primary to make the payload of stored certificates available.
func (c *Client) SyncPayload(digests []types.Digest) ([]Result, error) {
	return c.sync("/sync/payload", digests)
}

// sync posts digests to a sync endpoint and parses the results.
func (c *Client) sync(path string, digests []types.Digest) ([]Result, error) {
	req := api.SyncRequest{Digests: make([]string, len(digests))}
	for i, d := range digests {
		req.Digests[i] = d.String()
	}

	var resp api.SyncResponse

	if err := httpPostJSON(c.url(path), req, &resp); err != nil {
		return nil, fmt.Errorf("sync:\n%w", err)
	}

	return parseResults(resp.Results)
}

// parseResults converts raw API results to Result.
func parseResults(raw []api.SyncResult) ([]Result, error) {
	results := make([]Result, len(raw))

	for i, r := range raw {
		d, err := types.ParseDigest(r.Digest)
		if err != nil {
			return nil, fmt.Errorf("invalid digest %q:\n%w", r.Digest, err)
		}

		results[i] = Result{
			Digest:      d,
			OK:          r.OK,
			FromStorage: r.FromStorage,
			Round:       r.Round,
			Error:       r.Error,
		}

		if r.Author == "" {
			continue
		}

		results[i].Author, err = types.ParsePublicKey(r.Author)
		if err != nil {
			return nil, fmt.Errorf("invalid author %q:\n%w", r.Author, err)
		}
	}

	return results, nil
}

func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}
