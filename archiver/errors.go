package archiver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/frostlabs/frost-archiver/addons"
	"github.com/frostlabs/frost-archiver/archiver/model"
)

// FailureKind is the classification the failure handler assigns to a
// pipeline error. Every error maps to exactly one kind.
type FailureKind string

const (
	FailureSizeExceeded  FailureKind = "size_exceeded"
	FailureNetwork       FailureKind = "network_error"
	FailureProxyRejected FailureKind = "proxy_rejected"
	FailureUncaught      FailureKind = "uncaught_error"
)

// TransportError reports a remote call that failed before an interpretable
// response arrived, either the addon file tree fetch or the copy request.
// Payload holds a JSON error document describing the failure.
type TransportError struct {
	Addon   string
	Payload json.RawMessage
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("addon %s: %v", e.Addon, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SizeExceededError is raised by the size gate when the aggregate disk usage
// is over quota. It carries the full aggregate so the recorded error can show
// which addons contributed.
type SizeExceededError struct {
	Aggregate model.AggregateStatResult
	Quota     int64
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("aggregate disk usage %d exceeds quota %d", e.Aggregate.DiskUsage(), e.Quota)
}

// ProxyRejectedError is raised when the storage proxy answered the copy
// request with a non-success status. Body is the response body, verbatim.
type ProxyRejectedError struct {
	Addon      string
	StatusCode int
	Body       []byte
}

func (e *ProxyRejectedError) Error() string {
	return fmt.Sprintf("addon %s: copy rejected with status %d: %s", e.Addon, e.StatusCode, string(e.Body))
}

// Classify maps a pipeline error onto its failure kind. Anything that is not
// an explicitly classified error counts as uncaught.
func Classify(err error) FailureKind {
	var sizeErr *SizeExceededError
	if errors.As(err, &sizeErr) {
		return FailureSizeExceeded
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return FailureNetwork
	}
	var treeErr *addons.TransportError
	if errors.As(err, &treeErr) {
		return FailureNetwork
	}
	var proxyErr *ProxyRejectedError
	if errors.As(err, &proxyErr) {
		return FailureProxyRejected
	}
	return FailureUncaught
}
