// Package client provides the outbound HTTP client that forwards rebuilt
// requests and converts every result into a relayable response.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/sjson"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/metrics"
	"pathproxy-go/internal/model"
)

// Synthesized response statuses for transport faults.
const (
	// StatusTransportFault is used for failures reported by the HTTP client
	// (dial, DNS, TLS, timeout, protocol errors).
	StatusTransportFault = http.StatusBadGateway
	// StatusUnexpectedFault is used for any other error, including panics.
	StatusUnexpectedFault = http.StatusInternalServerError
)

// Forwarder sends outbound requests with a single timeout budget, a fixed
// TLS policy and no redirect following. It is safe for concurrent use.
type Forwarder struct {
	h1      *http.Client
	h2      *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder from the forward config section.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewForwarder(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	tc, err := tlsConfig(&cfg.Forward)
	if err != nil {
		return nil, err
	}

	return &Forwarder{
		h1:      newHTTPClient(&cfg.Forward, tc, false),
		h2:      newHTTPClient(&cfg.Forward, tc, true),
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}, nil
}

func newHTTPClient(fc *config.ForwardConfig, tc *tls.Config, allowHTTP2 bool) *http.Client {
	timeout := fc.Timeout()

	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetHTTP2(allowHTTP2)

	transport := &http.Transport{
		MaxIdleConns:        fc.IdleConnections,
		MaxIdleConnsPerHost: fc.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tc.Clone(),
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		// Bodies pass through still encoded; the caller decodes them.
		DisableCompression: true,
		Protocols:          protocols,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// tlsConfig builds the process-wide TLS policy: verification off, on
// against the system roots, or on against a CA bundle file.
func tlsConfig(fc *config.ForwardConfig) (*tls.Config, error) {
	if !fc.VerifyTLS && fc.CAFile == "" {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // verification is opt-in via forward.verify_tls
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if fc.CAFile != "" {
		pem, err := os.ReadFile(fc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s: no PEM certificates found", fc.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Send performs one forwarding attempt. It never returns an error: upstream
// responses of any status become OutcomeOK or OutcomeUpstreamError, and
// failures become OutcomeTransportFault with a synthesized response.
// The caller is responsible for closing the response body.
func (f *Forwarder) Send(req *http.Request) (out model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = f.fault(req, fmt.Errorf("forward panic: %v", r))
		}
	}()

	f.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"proto", req.Proto,
	)

	start := time.Now()
	resp, err := f.clientFor(req).Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil && resp == nil {
		return f.fault(req, err)
	}
	if err != nil {
		// Only a failed redirect check returns both; the response is usable.
		f.logger.Debug("using response attached to client error", "err", err)
	}

	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	kind := model.OutcomeOK
	if resp.StatusCode >= http.StatusBadRequest {
		kind = model.OutcomeUpstreamError
	}
	f.recordOutcome(kind)

	return model.Outcome{
		Kind: kind,
		Response: &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header,
			Body:       resp.Body,
		},
	}
}

func (f *Forwarder) clientFor(req *http.Request) *http.Client {
	if req.ProtoMajor >= 2 {
		return f.h2
	}
	return f.h1
}

func (f *Forwarder) fault(req *http.Request, err error) model.Outcome {
	f.logger.Warn("forward failed",
		"err", err,
		"method", req.Method,
		"host", req.URL.Host,
	)
	f.recordOutcome(model.OutcomeTransportFault)

	return model.Outcome{
		Kind:     model.OutcomeTransportFault,
		Response: Synthesize(err),
		Err:      err,
	}
}

func (f *Forwarder) recordOutcome(kind model.OutcomeKind) {
	if f.metrics != nil {
		f.metrics.ForwardOutcomes.WithLabelValues(kind.String()).Inc()
	}
}

// Synthesize builds the response that stands in for a transport failure:
// a fixed status, no headers and a JSON description of err.
func Synthesize(err error) *model.ProxyResponse {
	status := StatusUnexpectedFault
	if isTransportError(err) {
		status = StatusTransportFault
	}

	return &model.ProxyResponse{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Header:     make(http.Header),
		Body:       model.NewBufferedBody(diagnostic(err, status)),
	}
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// diagnostic serializes the identifying fields of err.
func diagnostic(err error, status int) []byte {
	doc := []byte(`{}`)
	doc, _ = sjson.SetBytes(doc, "status_text", http.StatusText(status))
	doc, _ = sjson.SetBytes(doc, "type", fmt.Sprintf("%T", err))
	doc, _ = sjson.SetBytes(doc, "message", err.Error())

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		doc, _ = sjson.SetBytes(doc, "op", urlErr.Op)
		doc, _ = sjson.SetBytes(doc, "url", urlErr.URL)
	}

	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	doc, _ = sjson.SetBytes(doc, "timeout", timeout)

	doc, _ = sjson.SetRawBytes(doc, "chain", []byte(`[]`))
	for e := err; e != nil; e = errors.Unwrap(e) {
		doc, _ = sjson.SetBytes(doc, "chain.-1", fmt.Sprintf("%T", e))
	}
	return doc
}
