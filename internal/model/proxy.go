// Package model defines shared types for the gateway pipeline.
package model

import (
	"bytes"
	"io"
	"net/http"
)

// InboundContext is the request as received at the process boundary.
// It is built once per request and treated as read-only afterwards.
type InboundContext struct {
	Method     string
	Proto      string
	ProtoMajor int
	ProtoMinor int
	TLS        bool
	// RoutingPath is the escaped path below the gateway's mount point.
	RoutingPath string
	RawQuery    string
	Header      http.Header
	// Body is the unread request body. It is empty when Form is set.
	Body          io.Reader
	ContentLength int64
	// Form holds the parsed multipart body, or nil.
	Form *FormData
}

// FormData is a parsed multipart/form-data body in emission order.
type FormData struct {
	Fields []FormField
	Files  []UploadedFile
}

// FormField is a single named form value.
type FormField struct {
	Name  string
	Value string
}

// UploadedFile describes one uploaded file part.
type UploadedFile struct {
	Name        string
	Filename    string
	ContentType string
	Open        func() (io.ReadCloser, error)
	// Err is non-nil when the upload failed; such files are not forwarded.
	Err error
}

// TargetDescriptor is the destination and overrides decoded from a path.
type TargetDescriptor struct {
	Scheme      string
	Destination string
	Method      string // empty means keep the inbound method
	Protocol    string // "1.0", "1.1", "2.0", "3.0"; empty means keep inbound
	Debug       bool
}

// ProxyResponse is the response relayed to the caller, either from the
// upstream or synthesized locally for a transport failure.
type ProxyResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// OutcomeKind tags the result of a forwarding attempt.
type OutcomeKind int

const (
	// OutcomeOK is a 1xx-3xx upstream response.
	OutcomeOK OutcomeKind = iota
	// OutcomeUpstreamError is a 4xx/5xx upstream response, relayed as-is.
	OutcomeUpstreamError
	// OutcomeTransportFault is a local failure with a synthesized response.
	OutcomeTransportFault
)

// String returns the metric label for k.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeTransportFault:
		return "transport_fault"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one forwarding attempt. Response is always
// set; Err is set only for OutcomeTransportFault.
type Outcome struct {
	Kind     OutcomeKind
	Response *ProxyResponse
	Err      error
}

// BufferedBody is an in-memory response body. Unlike io.NopCloser it keeps
// the io.Seeker of the underlying reader, which marks it as fully buffered.
type BufferedBody struct {
	*bytes.Reader
}

// NewBufferedBody wraps b as a response body.
func NewBufferedBody(b []byte) BufferedBody {
	return BufferedBody{Reader: bytes.NewReader(b)}
}

// Close implements io.Closer.
func (BufferedBody) Close() error { return nil }
