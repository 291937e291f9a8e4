// Package outbound rebuilds an inbound request for its resolved destination.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/model"
)

// ErrBadDestination is returned when the destination cannot form a URL.
var ErrBadDestination = errors.New("destination is not a valid URL")

// forcedAcceptEncoding is sent upstream unless the caller's value is
// preserved. Encoded bodies are relayed as-is; the caller decodes them.
const forcedAcceptEncoding = "gzip, deflate"

// Builder applies a TargetDescriptor to an InboundContext.
type Builder struct {
	preserveAcceptEncoding bool
}

// NewBuilder creates a Builder. When preserveAcceptEncoding is false the
// outbound Accept-Encoding is forced to "gzip, deflate".
func NewBuilder(preserveAcceptEncoding bool) *Builder {
	return &Builder{preserveAcceptEncoding: preserveAcceptEncoding}
}

// NewBuilderFromConfig creates a Builder using forward.preserve_accept_encoding.
func NewBuilderFromConfig(cfg *config.Config) *Builder {
	return NewBuilder(cfg.Forward.PreserveAcceptEncoding)
}

// Build produces the outbound request. It performs no I/O; a multipart body
// is rebuilt lazily when the returned request's body is read. The inbound
// context is not modified.
func (b *Builder) Build(ctx context.Context, in *model.InboundContext, td model.TargetDescriptor) (*http.Request, error) {
	method := in.Method
	if td.Method != "" {
		method = td.Method
	}

	rawURL := td.Scheme + "://" + td.Destination
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDestination, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrBadDestination, rawURL)
	}

	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	body, length, err := b.body(in, header)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrBadDestination, err)
	}
	req.ContentLength = length

	header.Del("Content-Length")
	header.Del("Host")
	if !b.preserveAcceptEncoding {
		header.Set("Accept-Encoding", forcedAcceptEncoding)
	}
	req.Header = header

	proto := td.Protocol
	if proto == "" {
		proto = fmt.Sprintf("%d.%d", in.ProtoMajor, in.ProtoMinor)
	}
	setProto(req, proto)

	return req, nil
}

// body selects the outbound body and its length (-1 when unknown).
func (b *Builder) body(in *model.InboundContext, header http.Header) (io.ReadCloser, int64, error) {
	if in.Form != nil {
		if boundary, ok := Boundary(header.Get("Content-Type")); ok {
			rc, err := RebuildMultipart(boundary, in.Form)
			if err != nil {
				return nil, 0, fmt.Errorf("rebuild multipart body: %w", err)
			}
			return rc, -1, nil
		}
	}

	if in.Body == nil || in.ContentLength == 0 {
		return http.NoBody, 0, nil
	}
	length := in.ContentLength
	if length < 0 {
		length = -1
	}
	return io.NopCloser(in.Body), length, nil
}

// setProto records an "X.Y" version on req. Unparseable values leave the
// request at HTTP/1.1.
func setProto(req *http.Request, version string) {
	majStr, minStr, ok := strings.Cut(version, ".")
	major, err1 := strconv.Atoi(majStr)
	minor, err2 := strconv.Atoi(minStr)
	if !ok || err1 != nil || err2 != nil || major <= 0 {
		major, minor = 1, 1
	}
	req.ProtoMajor = major
	req.ProtoMinor = minor
	req.Proto = fmt.Sprintf("HTTP/%d.%d", major, minor)
}
