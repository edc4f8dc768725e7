package metrics

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gantry-panel/relay/pkg/protocol"
)

// maxUtilizationBody caps how much of a daemon response is read.
const maxUtilizationBody = 1 << 20

// poller fetches utilization samples from a node daemon.
type poller struct {
	client  *http.Client
	path    string
	timeout time.Duration
	now     func() time.Time
}

func newPoller(path string, timeout time.Duration, skipVerify bool) *poller {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &poller{
		client:  &http.Client{Transport: transport},
		path:    path,
		timeout: timeout,
		now:     time.Now,
	}
}

// fetch performs one bounded GET of baseURL+path authenticated with token.
func (p *poller) fetch(ctx context.Context, baseURL, token string) (*protocol.UtilizationSample, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+p.path, nil)
	if err != nil {
		return nil, fmt.Errorf("build utilization request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("utilization request timed out after %s", p.timeout)
		}
		return nil, fmt.Errorf("utilization request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}

	var s protocol.UtilizationSample
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUtilizationBody)).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode utilization: %w", err)
	}
	if s.SampledAt.IsZero() {
		s.SampledAt = p.now()
	}
	return &s, nil
}
