package tracking

import (
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignite/mailtrack/internal/domain"
	"github.com/ignite/mailtrack/internal/pkg/httputil"
)

// 1x1 transparent PNG
var pixelPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

const unsubscribedPage = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>Unsubscribed</title></head>
<body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
<h1>You have been unsubscribed</h1>
<p>You will no longer receive emails from us.</p>
</body></html>`

// Handler serves the public tracking endpoints on top of a Service.
type Handler struct {
	svc            *Service
	allowedOrigins []string
	metrics        http.Handler
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins sets the origins allowed to POST the one-click
// unsubscribe from a hosted preference page.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) { h.allowedOrigins = origins }
}

// WithMetricsHandler replaces the default /metrics handler.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler serves /metrics from the default Prometheus registry unless
// WithMetricsHandler says otherwise.
func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, metrics: promhttp.Handler()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts every public route on a fresh chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/track/open/{token}", h.HandleOpen)
	r.Get("/track/click/{token}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Post("/unsubscribe/{token}", h.HandleOneClickUnsubscribe)
	r.Get("/view/{token}", h.HandleWebVersion)
	r.Get("/health", h.HandleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics)
	return r
}

// HandleOpen always answers with the pixel, whatever the token.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	_ = h.svc.Open(r.Context(), chi.URLParam(r, "token"), clientMeta(r))
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	dest, err := h.svc.Click(r.Context(), chi.URLParam(r, "token"), clientMeta(r))
	if err != nil {
		if errors.Is(err, ErrBlockedDestination) {
			httputil.Text(w, http.StatusBadRequest, ErrBlockedDestination.Error())
			return
		}
		httputil.Text(w, http.StatusBadRequest, ErrInvalidToken.Error())
		return
	}
	httputil.NoCache(w)
	w.Header().Set("Referrer-Policy", "no-referrer")
	http.Redirect(w, r, dest, http.StatusFound)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Unsubscribe(r.Context(), chi.URLParam(r, "token"), clientMeta(r))
	switch {
	case errors.Is(err, ErrInvalidToken):
		httputil.Text(w, http.StatusBadRequest, ErrInvalidToken.Error())
	case err != nil:
		httputil.Text(w, http.StatusInternalServerError, "unable to process request, please try again later")
	default:
		httputil.NoCache(w)
		httputil.HTML(w, http.StatusOK, unsubscribedPage)
	}
}

// HandleOneClickUnsubscribe serves RFC 8058 List-Unsubscribe-Post requests.
func (h *Handler) HandleOneClickUnsubscribe(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Unsubscribe(r.Context(), chi.URLParam(r, "token"), clientMeta(r))
	switch {
	case errors.Is(err, ErrInvalidToken):
		httputil.BadRequest(w, ErrInvalidToken.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"status": "unsubscribed"})
	}
}

func (h *Handler) HandleWebVersion(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.WebVersion(r.Context(), chi.URLParam(r, "token"), clientMeta(r))
	switch {
	case errors.Is(err, ErrInvalidToken):
		httputil.Text(w, http.StatusBadRequest, ErrInvalidToken.Error())
	case errors.Is(err, ErrNotFound):
		httputil.Text(w, http.StatusNotFound, "this email is no longer available")
	case err != nil:
		httputil.Text(w, http.StatusInternalServerError, "unable to load this email, please try again later")
	default:
		httputil.NoCache(w)
		w.Header().Set("Referrer-Policy", "no-referrer")
		httputil.HTML(w, http.StatusOK, page)
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	httputil.NoCache(w)
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pixelPNG)
}

func clientMeta(r *http.Request) domain.ClientMeta {
	ua := r.UserAgent()
	return domain.ClientMeta{
		IPAddress:  realIP(r),
		UserAgent:  ua,
		DeviceType: detectDevice(ua),
		Referer:    r.Referer(),
	}
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func detectDevice(ua string) string {
	ua = strings.ToLower(ua)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return "tablet"
	}
	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
		return "mobile"
	}
	return "desktop"
}
