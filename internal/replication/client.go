package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
)

// Client speaks the librarian JSON RPC dialect to one peer: POST to
// /api/<op> with a `request` form field holding the JSON arguments, the
// authenticator injected into every request.
type Client struct {
	baseURL       string
	authenticator string
	http          *http.Client
}

// NewClient builds a client for one configured connection.
func NewClient(conn config.ConnectionConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(conn.URL, "/"),
		authenticator: conn.Authenticator,
		http:          &http.Client{Timeout: 5 * time.Minute},
	}
}

// rpcError is a failure reported by the peer rather than the network.
type rpcError struct {
	op      string
	message string
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("peer rejected %s: %s", e.op, e.message)
}

// call runs one RPC against the peer and decodes the response into out.
// Network-level failures are retried with exponential backoff; peer-reported
// errors are not, since the peer already processed and refused the request.
func (c *Client) call(ctx context.Context, op string, args map[string]any, out any) error {
	body := make(map[string]any, len(args)+1)
	for k, v := range args {
		body[k] = v
	}
	body["authenticator"] = c.authenticator

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	form := url.Values{"request": {string(encoded)}}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/"+op, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("peer returned HTTP %d for %s", resp.StatusCode, op)
		}

		var envelope struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("undecodable %s response: %w", op, err))
		}
		if !envelope.Success {
			return backoff.Permanent(&rpcError{op: op, message: envelope.Message})
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("undecodable %s response: %w", op, err))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(attempt, policy)
}

// Ping checks that the peer is up and accepts our authenticator.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// uploadDestination is the peer's answer to initiate_upload.
type uploadDestination struct {
	Name       string `json:"name"`
	SSHHost    string `json:"ssh_host"`
	PathPrefix string `json:"path_prefix"`
	StagingDir string `json:"staging_dir"`
}

// scpTransport is the production Transport: negotiate a staging destination
// with the peer over RPC, push the bytes from the store host, then ask the
// peer to commit.
type scpTransport struct {
	logger  *slog.Logger
	clients map[string]*Client
	globus  config.GlobusConfig
}

// NewTransport builds the scp transport over the configured connections.
// Globus options, when enabled, are offered to the peer during upload
// negotiation; the peer decides whether to use them.
func NewTransport(conns map[string]config.ConnectionConfig, globus config.GlobusConfig,
	logger *slog.Logger) Transport {
	clients := make(map[string]*Client, len(conns))
	for name, conn := range conns {
		clients[name] = NewClient(conn)
	}
	return &scpTransport{
		logger:  logging.Default(logger).With("component", "transport"),
		clients: clients,
		globus:  globus,
	}
}

func (t *scpTransport) Ship(ctx context.Context, req ShipRequest) error {
	client, ok := t.clients[req.ConnName]
	if !ok {
		return fmt.Errorf("no configured connection named %q", req.ConnName)
	}

	initArgs := map[string]any{
		"upload_size": req.Size,
		"rec_info":    req.RecInfo,
	}
	if t.globus.Enabled {
		initArgs["use_globus"] = true
		initArgs["globus_endpoint_id"] = t.globus.EndpointID
	}
	var dest uploadDestination
	err := client.call(ctx, "initiate_upload", initArgs, &dest)
	if err != nil {
		return fmt.Errorf("initiate_upload to %s failed: %w", req.ConnName, err)
	}

	// The copy runs on the source store host and lands in the peer's
	// staging directory, never directly in its store proper.
	remote := dest.SSHHost + ":" + dest.StagingDir + "/"
	push := func() error {
		return req.Driver.Upload(ctx, req.StorePath, remote)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(push, policy); err != nil {
		return fmt.Errorf("copy to %s failed: %w", req.ConnName, err)
	}

	err = client.call(ctx, "complete_upload", map[string]any{
		"store_name":      dest.Name,
		"staging_dir":     dest.StagingDir,
		"dest_store_path": req.RemoteStorePath,
		"meta_mode":       "direct",
	}, nil)
	if err != nil {
		return fmt.Errorf("complete_upload to %s failed: %w", req.ConnName, err)
	}

	t.logger.Info("file shipped",
		"file", req.FileName, "connection", req.ConnName, "store_path", req.RemoteStorePath)
	return nil
}
