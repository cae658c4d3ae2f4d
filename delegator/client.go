package delegator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/estuary/awcp/internal/authtoken"
	"github.com/estuary/awcp/protocol"
)

// HTTPClient is the production Client: it speaks the INVITE/START/ERROR
// dispatch protocol and the text/event-stream SSE format over plain
// net/http, the same transport the Executor's RegisterAPIs exposes.
type HTTPClient struct {
	hc     *http.Client
	issuer *authtoken.Issuer
}

// NewHTTPClient constructs an HTTPClient with the given per-request timeout
// used as the http.Client's default; callers still pass a context.Context
// per call for finer-grained cancellation. issuer may be nil, in which case
// every request goes out without an Authorization header, matching an
// Executor configured with no shared secret.
func NewHTTPClient(timeout time.Duration, issuer *authtoken.Issuer) *HTTPClient {
	return &HTTPClient{hc: &http.Client{Timeout: timeout}, issuer: issuer}
}

// bearer mints an Authorization header value for delegationID, or "" when
// auth is disabled.
func (c *HTTPClient) bearer(delegationID string) (string, error) {
	if !c.issuer.Enabled() {
		return "", nil
	}
	token, err := c.issuer.Issue(delegationID)
	if err != nil {
		return "", fmt.Errorf("issue bearer token: %w", err)
	}
	return "Bearer " + token, nil
}

// delegationIDOf extracts the delegation id carried by an outgoing
// INVITE/START/ERROR message, so PostMessage can scope the bearer token to
// it without widening the Client interface with an extra parameter.
func delegationIDOf(msg any) string {
	switch m := msg.(type) {
	case protocol.Invite:
		return m.DelegationID
	case *protocol.Invite:
		return m.DelegationID
	case protocol.Start:
		return m.DelegationID
	case *protocol.Start:
		return m.DelegationID
	case protocol.ErrorMsg:
		return m.DelegationID
	case *protocol.ErrorMsg:
		return m.DelegationID
	default:
		return ""
	}
}

func (c *HTTPClient) PostMessage(ctx context.Context, peerURL string, msg any) (*Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(peerURL, "/")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth, err := c.bearer(delegationIDOf(msg)); err != nil {
		return nil, err
	} else if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post message to %s: %w", peerURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", peerURL, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("peer %s responded %d: %s", peerURL, resp.StatusCode, raw)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Acknowledgement bodies like {"ok":true} carry no envelope type;
		// callers that only care about the ack ignore Response.Type.
		return &Response{Raw: raw}, nil
	}
	return &Response{Type: env.Type, Raw: raw}, nil
}

func (c *HTTPClient) OpenEvents(ctx context.Context, peerURL, delegationID string) (<-chan protocol.Event, error) {
	url := fmt.Sprintf("%s/tasks/%s/events", strings.TrimRight(peerURL, "/"), delegationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if auth, err := c.bearer(delegationID); err != nil {
		return nil, err
	} else if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open sse stream to %s: %w", peerURL, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("sse stream %s responded %d", url, resp.StatusCode)
	}

	ch := make(chan protocol.Event, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var dataLines []string
		flush := func() {
			if len(dataLines) == 0 {
				return
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = nil
			var ev protocol.Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			default:
				// event: / id: / comment lines carry no information this
				// client needs beyond what's embedded in the JSON payload.
			}
			if ctx.Err() != nil {
				return
			}
		}
		flush()
	}()
	return ch, nil
}

func (c *HTTPClient) FetchResult(ctx context.Context, peerURL, delegationID string) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/tasks/%s/result", strings.TrimRight(peerURL, "/"), delegationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build result request: %w", err)
	}
	if auth, err := c.bearer(delegationID); err != nil {
		return nil, err
	} else if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch result from %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result body: %w", err)
	}
	return raw, nil
}
