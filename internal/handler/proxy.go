package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"pathproxy-go/internal/config"
	"pathproxy-go/internal/model"
	"pathproxy-go/internal/relay"
	"pathproxy-go/internal/service"
)

// ProxyHandler forwards path-addressed requests and relays the responses.
type ProxyHandler struct {
	gateway *service.Gateway
	emitter *relay.Emitter
	opts    inboundOptions
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *service.Gateway, em *relay.Emitter, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		emitter: em,
		opts: inboundOptions{
			mountPath:       cfg.Server.MountPath,
			multipartMemory: cfg.Server.MultipartMemoryBytes,
			maxFileBytes:    cfg.Forward.MaxFileBytes,
		},
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the target from the request path, forwards the request and
// streams the response back. Rejections and debug dumps never reach the network.
func (h *ProxyHandler) Handle(c echo.Context) error {
	in, release, err := newInboundContext(c, h.opts)
	if err != nil {
		h.gateway.Reject(service.ReasonMalformedForm, err)
		return rejection(c)
	}
	defer release()

	res := h.gateway.Process(c.Request().Context(), in)

	switch res.Kind {
	case service.ResultRejected:
		return rejection(c)
	case service.ResultDebug:
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, res.Dump)
	case service.ResultForwarded:
		return h.relay(c, res.Outcome)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
}

// rejection answers with the fixed body and no forwarding.
func rejection(c echo.Context) error {
	return c.String(http.StatusBadRequest, service.RejectionBody)
}

func (h *ProxyHandler) relay(c echo.Context, out model.Outcome) error {
	// Status and headers may already be on the wire when Emit fails, so the
	// error is logged rather than returned to echo's error handler.
	if err := h.emitter.Emit(c.Response(), out.Response); err != nil {
		h.logger.Error("relaying response",
			"err", err,
			"outcome", out.Kind.String(),
			"path", c.Request().URL.Path,
		)
	}
	return nil
}
