package proxyclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/frostlabs/frost-archiver/jsonrs"
	"github.com/frostlabs/frost-archiver/utils/httputil"
)

// CopyLeg identifies one side of a copy operation on the storage proxy.
type CopyLeg struct {
	Cookie   string `json:"cookie"`
	NodeID   string `json:"nid"`
	Provider string `json:"provider"`
	Path     string `json:"path"`
}

// CopyRequest is the payload of the proxy's copy operation. Rename is the
// folder name the copied tree is stored under on the destination.
type CopyRequest struct {
	Source      CopyLeg `json:"source"`
	Destination CopyLeg `json:"destination"`
	Rename      string  `json:"rename"`
}

// CopyResult is the proxy's response, whatever its status. Interpreting the
// status is the caller's business.
type CopyResult struct {
	StatusCode int
	Body       []byte
}

// Proxy issues operations against a storage proxy deployment.
type Proxy struct {
	client Client
}

func NewProxy(client Client) *Proxy {
	return &Proxy{client: client}
}

// Copy posts the copy operation and returns the proxy's response. An error is
// returned only when no response was received at all, request building or
// transport failures; HTTP-level rejection is reported through the result.
func (p *Proxy) Copy(ctx context.Context, baseURL string, request CopyRequest) (*CopyResult, error) {
	payload, err := jsonrs.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshalling copy request: %w", err)
	}

	url := strings.TrimSuffix(baseURL, "/") + "/ops/copy"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating copy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending copy request: %w", err)
	}
	defer func() { httputil.CloseResponse(resp) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading copy response: %w", err)
	}
	return &CopyResult{StatusCode: resp.StatusCode, Body: body}, nil
}
