// Package relay writes a ProxyResponse back to the original caller.
package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/gddo/httputil/header"
	"go.uber.org/multierr"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/metrics"
	"pathproxy-go/internal/model"
)

// hopByHopHeaders are meaningful for a single transport leg only.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Emitter writes responses either eagerly (fully buffered) or incrementally
// in bounded chunks with a flush after each one.
type Emitter struct {
	mode         string
	chunkSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewEmitter creates an Emitter from the forward config section.
// The metrics parameter is optional; pass nil to disable relay metrics recording.
func NewEmitter(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Emitter {
	chunk := cfg.Forward.ChunkSizeBytes
	if chunk <= 0 {
		chunk = 32 * 1024
	}
	return &Emitter{
		mode:         cfg.Forward.Emission,
		chunkSize:    chunk,
		writeTimeout: cfg.Forward.Timeout(),
		logger:       logger.With("component", "relay"),
		metrics:      m,
	}
}

// StripHopByHop returns a copy of h without hop-by-hop headers, including
// any header nominated by the Connection header.
func StripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return make(http.Header)
	}
	for _, name := range header.ParseList(h, "Connection") {
		out.Del(name)
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// Streams reports whether resp is emitted incrementally.
func (e *Emitter) Streams(resp *model.ProxyResponse) bool {
	if _, buffered := resp.Body.(io.Seeker); buffered {
		return false
	}
	if e.mode == config.EmissionStreaming {
		return true
	}
	return resp.Header.Get("Content-Disposition") != "" || resp.Header.Get("Content-Range") != ""
}

// Emit writes resp to w and closes its body. Once headers are written any
// error is only reportable, not recoverable; it is returned for logging.
func (e *Emitter) Emit(w http.ResponseWriter, resp *model.ProxyResponse) error {
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	if e.Streams(resp) {
		return e.stream(w, resp)
	}
	return e.eager(w, resp)
}

func (e *Emitter) eager(w http.ResponseWriter, resp *model.ProxyResponse) (err error) {
	defer func() { err = multierr.Append(err, resp.Body.Close()) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		// Nothing was written yet, so the caller still gets a valid response.
		fault := &model.ProxyResponse{
			StatusCode: http.StatusBadGateway,
			Header:     make(http.Header),
		}
		writeHeader(w, fault)
		return fmt.Errorf("buffer upstream body: %w", err)
	}

	h := StripHopByHop(resp.Header)
	if h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	writeHeader(w, &model.ProxyResponse{StatusCode: resp.StatusCode, Header: h})

	if e.writeTimeout > 0 {
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	n, err := w.Write(body)
	e.record(config.EmissionEager, int64(n))
	if err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func (e *Emitter) stream(w http.ResponseWriter, resp *model.ProxyResponse) (err error) {
	defer func() { err = multierr.Append(err, resp.Body.Close()) }()

	rc := http.NewResponseController(w)
	writeHeader(w, &model.ProxyResponse{StatusCode: resp.StatusCode, Header: StripHopByHop(resp.Header)})
	if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		return fmt.Errorf("flush headers: %w", ferr)
	}

	var total int64
	defer func() {
		e.record(config.EmissionStreaming, total)
		e.logger.Debug("streamed response", "status", resp.StatusCode, "bytes", humanize.Bytes(uint64(total)))
	}()

	buf := make([]byte, e.chunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e.writeTimeout > 0 {
				_ = rc.SetWriteDeadline(time.Now().Add(e.writeTimeout))
			}
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				// Caller went away; closing the body abandons the upstream.
				return fmt.Errorf("write chunk: %w", werr)
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return fmt.Errorf("flush chunk: %w", ferr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read upstream body: %w", rerr)
		}
	}
}

func writeHeader(w http.ResponseWriter, resp *model.ProxyResponse) {
	dst := w.Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
}

func (e *Emitter) record(mode string, n int64) {
	if e.metrics != nil && n > 0 {
		e.metrics.RelayedBytes.WithLabelValues(mode).Add(float64(n))
	}
}
