package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/metrics"
	"pathproxy-go/internal/model"
)

func testConfig(timeoutSeconds int) *config.Config {
	return &config.Config{
		Forward: config.ForwardConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
}

func newTestForwarder(t *testing.T, cfg *config.Config, m *metrics.Metrics) *Forwarder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f, err := NewForwarder(cfg, logger, m)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	return f
}

func mustRequest(t *testing.T, ctx context.Context, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestForwarder_Send_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	f := newTestForwarder(t, testConfig(10), m)

	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL+"/test"))
	defer func() { _ = out.Response.Body.Close() }()

	if out.Kind != model.OutcomeOK {
		t.Fatalf("Kind = %v, want ok", out.Kind)
	}
	body, _ := io.ReadAll(out.Response.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", body, `{"status":"ok"}`)
	}
}

func TestForwarder_Send_UpstreamErrorPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(10), nil)

	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL))
	defer func() { _ = out.Response.Body.Close() }()

	if out.Kind != model.OutcomeUpstreamError {
		t.Fatalf("Kind = %v, want upstream_error", out.Kind)
	}
	if out.Err != nil {
		t.Errorf("Err = %v, want nil for upstream status", out.Err)
	}
	if out.Response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", out.Response.StatusCode)
	}
	if out.Response.Header.Get("X-Upstream") != "yes" {
		t.Error("upstream header lost")
	}
	body, _ := io.ReadAll(out.Response.Body)
	if string(body) != "maintenance" {
		t.Errorf("body = %q, want %q", body, "maintenance")
	}
}

func TestForwarder_Send_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/final" {
			t.Error("redirect was followed")
		}
		http.Redirect(w, r, "/final", http.StatusFound)
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(10), nil)

	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL+"/start"))
	defer func() { _ = out.Response.Body.Close() }()

	if out.Response.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302", out.Response.StatusCode)
	}
	if loc := out.Response.Header.Get("Location"); loc != "/final" {
		t.Errorf("Location = %q, want %q", loc, "/final")
	}
}

func TestForwarder_Send_KeepsEncodedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte("not-really-gzip"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(10), nil)

	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL))
	defer func() { _ = out.Response.Body.Close() }()

	if out.Response.Header.Get("Content-Encoding") != "gzip" {
		t.Error("Content-Encoding should pass through")
	}
	body, _ := io.ReadAll(out.Response.Body)
	if string(body) != "not-really-gzip" {
		t.Errorf("body = %q, want raw bytes", body)
	}
}

func TestForwarder_Send_ConnectionRefused(t *testing.T) {
	m := metrics.New()
	f := newTestForwarder(t, testConfig(1), m)

	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent"))

	if out.Kind != model.OutcomeTransportFault {
		t.Fatalf("Kind = %v, want transport_fault", out.Kind)
	}
	if out.Err == nil {
		t.Error("Err = nil, want transport error")
	}
	if out.Response.StatusCode != StatusTransportFault {
		t.Errorf("StatusCode = %d, want %d", out.Response.StatusCode, StatusTransportFault)
	}
	if len(out.Response.Header) != 0 {
		t.Errorf("Header = %v, want empty", out.Response.Header)
	}

	body, _ := io.ReadAll(out.Response.Body)
	if !gjson.ValidBytes(body) {
		t.Fatalf("body is not JSON: %s", body)
	}
	if got := gjson.GetBytes(body, "type").String(); got != "*url.Error" {
		t.Errorf("type = %q, want %q", got, "*url.Error")
	}
	if got := gjson.GetBytes(body, "op").String(); got != "Get" {
		t.Errorf("op = %q, want %q", got, "Get")
	}
	if !gjson.GetBytes(body, "chain").IsArray() {
		t.Error("chain should be an array")
	}
}

func TestForwarder_Send_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(1), nil)

	start := time.Now()
	out := f.Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL+"/slow"))
	elapsed := time.Since(start)

	if elapsed > 3*time.Second {
		t.Errorf("Send() took %v, want within the 1s budget", elapsed)
	}
	if out.Kind != model.OutcomeTransportFault {
		t.Fatalf("Kind = %v, want transport_fault", out.Kind)
	}
	if out.Response.StatusCode != StatusTransportFault {
		t.Errorf("StatusCode = %d, want %d", out.Response.StatusCode, StatusTransportFault)
	}
	body, _ := io.ReadAll(out.Response.Body)
	if !gjson.GetBytes(body, "timeout").Bool() {
		t.Errorf("timeout = false in %s", body)
	}
}

func TestForwarder_Send_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newTestForwarder(t, testConfig(30), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.Send(mustRequest(t, ctx, http.MethodGet, srv.URL))
	if out.Kind != model.OutcomeTransportFault {
		t.Fatalf("Kind = %v, want transport_fault", out.Kind)
	}
}

func TestSynthesize_UnexpectedError(t *testing.T) {
	resp := Synthesize(errors.New("boom"))

	if resp.StatusCode != StatusUnexpectedFault {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, StatusUnexpectedFault)
	}
	body, _ := io.ReadAll(resp.Body)
	if got := gjson.GetBytes(body, "message").String(); got != "boom" {
		t.Errorf("message = %q, want %q", got, "boom")
	}
	if got := gjson.GetBytes(body, "chain.#").Int(); got != 1 {
		t.Errorf("chain length = %d, want 1", got)
	}
	if _, ok := resp.Body.(io.Seeker); !ok {
		t.Error("synthesized body should be buffered")
	}
}

func TestSynthesize_DeadlineIsTransportFault(t *testing.T) {
	resp := Synthesize(context.DeadlineExceeded)
	if resp.StatusCode != StatusTransportFault {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, StatusTransportFault)
	}
}

func TestNewForwarder_CAFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(5)
	cfg.Forward.VerifyTLS = true
	cfg.Forward.CAFile = bad

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewForwarder(cfg, logger, nil); err == nil {
		t.Fatal("NewForwarder() expected error for CA file without certificates")
	}
}

func TestForwarder_Send_VerifiesAgainstCAFile(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	// Without the CA, verification fails.
	strict := testConfig(5)
	strict.Forward.VerifyTLS = true
	out := newTestForwarder(t, strict, nil).Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL))
	if out.Kind != model.OutcomeTransportFault {
		t.Fatalf("Kind = %v, want transport_fault for unknown CA", out.Kind)
	}

	// Verification disabled accepts the self-signed certificate.
	lax := testConfig(5)
	out = newTestForwarder(t, lax, nil).Send(mustRequest(t, context.Background(), http.MethodGet, srv.URL))
	defer func() { _ = out.Response.Body.Close() }()
	if out.Kind != model.OutcomeOK {
		t.Fatalf("Kind = %v, want ok with verification disabled", out.Kind)
	}
}
