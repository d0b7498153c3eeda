package addons

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/frostlabs/frost-archiver/internal/proxyclient"
	"github.com/frostlabs/frost-archiver/jsonrs"
	"github.com/frostlabs/frost-archiver/utils/httputil"
)

// TransportError is returned when an addon's file tree cannot be fetched,
// either because the call itself failed or because the proxy rejected it.
// Payload always holds a JSON object describing the failure, verbatim from
// the response when the proxy sent one.
type TransportError struct {
	StatusCode int
	Payload    []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetching file tree: %v", e.Err)
	}
	return fmt.Sprintf("fetching file tree: status %d: %s", e.StatusCode, string(e.Payload))
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client fetches addon file trees from the storage proxy.
type Client struct {
	baseURL    string
	httpClient proxyclient.Client
}

func NewClient(baseURL string, httpClient proxyclient.Client) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// FileTreeRequest identifies the tree to fetch: the node holding the addon,
// the addon's provider and the auth cookie of the user the fetch runs as.
type FileTreeRequest struct {
	NodeID   string
	Provider string
	Cookie   string
}

// GetFileTree fetches the addon's full file hierarchy. Failures are reported
// as *TransportError.
func (c *Client) GetFileTree(ctx context.Context, request FileTreeRequest) (*FileTree, error) {
	url := fmt.Sprintf("%s/v1/resources/%s/providers/%s/?meta=", c.baseURL, request.NodeID, request.Provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating file tree request: %w", err)
	}
	req.Header.Set("Cookie", request.Cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{
			Payload: errorPayload(nil, err),
			Err:     err,
		}
	}
	defer func() { httputil.CloseResponse(resp) }()

	if !httputil.SuccessStatus(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Payload:    errorPayload(body, nil),
		}
	}

	var tree FileTree
	if err := jsonrs.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding file tree: %w", err)
	}
	return &tree, nil
}

// errorPayload keeps the proxy's error document when it sent a JSON object,
// otherwise wraps whatever is available into one.
func errorPayload(body []byte, err error) []byte {
	if gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject() {
		return body
	}
	message := string(body)
	if message == "" && err != nil {
		message = err.Error()
	}
	payload, serr := sjson.SetBytes([]byte(`{}`), "error", message)
	if serr != nil {
		return []byte(`{"error":"unknown"}`)
	}
	return payload
}
