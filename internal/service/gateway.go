// Package service implements the forwarding pipeline: resolve the target,
// rebuild the request, then either dump it (debug) or forward it.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"pathproxy-go/internal/metrics"
	"pathproxy-go/internal/model"
	"pathproxy-go/internal/outbound"
	"pathproxy-go/internal/target"
)

// RejectionBody is the fixed body sent when no target can be forwarded to.
const RejectionBody = "Hard"

// Rejection reasons, used as metric labels.
const (
	ReasonNoTarget       = "no_target"
	ReasonBadDestination = "bad_destination"
	ReasonMalformedForm  = "malformed_form"
)

// Sender performs one forwarding attempt and never fails; every result is
// expressed as an Outcome.
type Sender interface {
	Send(req *http.Request) model.Outcome
}

// ResultKind tags what the pipeline decided for a request.
type ResultKind int

const (
	// ResultRejected means nothing was forwarded; reply with RejectionBody.
	ResultRejected ResultKind = iota
	// ResultDebug means the outbound request was dumped instead of sent.
	ResultDebug
	// ResultForwarded means the request was sent; Outcome holds the response.
	ResultForwarded
)

// Result is the pipeline's decision for one request.
type Result struct {
	Kind    ResultKind
	Reason  string
	Dump    []byte
	Outcome model.Outcome
}

// Gateway wires the resolver, builder and sender together. It keeps no
// per-request state and is safe for concurrent use.
type Gateway struct {
	resolver *target.Resolver
	builder  *outbound.Builder
	sender   Sender
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewGateway creates a Gateway.
// The metrics parameter is optional; pass nil to disable pipeline metrics recording.
func NewGateway(r *target.Resolver, b *outbound.Builder, s Sender, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		resolver: r,
		builder:  b,
		sender:   s,
		logger:   logger.With("component", "gateway"),
		metrics:  m,
	}
}

// Process runs the pipeline for in. Rejections happen before any network
// I/O; debug requests are never sent. For ResultForwarded the caller owns
// Outcome.Response.Body.
func (g *Gateway) Process(ctx context.Context, in *model.InboundContext) Result {
	td, err := g.resolver.Resolve(in)
	if err != nil {
		return g.Reject(ReasonNoTarget, err)
	}

	req, err := g.builder.Build(ctx, in, td)
	if err != nil {
		reason := ReasonBadDestination
		if !errors.Is(err, outbound.ErrBadDestination) {
			reason = ReasonMalformedForm
		}
		return g.Reject(reason, err)
	}

	if td.Debug {
		_ = req.Body.Close()
		if g.metrics != nil {
			g.metrics.DebugDumps.Inc()
		}
		g.logger.Debug("debug dump", "method", req.Method, "url", req.URL.String())
		return Result{Kind: ResultDebug, Dump: DumpRequest(req)}
	}

	g.logger.Debug("forwarding request",
		"method", req.Method,
		"scheme", td.Scheme,
		"host", req.URL.Host,
	)

	return Result{Kind: ResultForwarded, Outcome: g.sender.Send(req)}
}

// Reject records a local rejection.
func (g *Gateway) Reject(reason string, err error) Result {
	g.logger.Info("request rejected", "reason", reason, "err", err)
	if g.metrics != nil {
		g.metrics.Rejections.WithLabelValues(reason).Inc()
	}
	return Result{Kind: ResultRejected, Reason: reason}
}

// DumpRequest renders the request line (with the absolute URL), Host and
// the remaining headers in wire format. The body is not included.
func DumpRequest(req *http.Request) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.URL.String(), req.Proto)
	fmt.Fprintf(&b, "Host: %s\r\n", req.URL.Host)
	_ = req.Header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}
