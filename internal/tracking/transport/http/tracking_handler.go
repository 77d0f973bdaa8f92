// Package http exposes the public tracking endpoints embedded in every
// delivered email: the open pixel, click redirects and unsubscribe links.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mailkite/delivery-engine/internal/delivery/domain"
)

// TrackingRecorder defines the operations the handler needs from the
// tracking service. Kept as an interface for testing.
type TrackingRecorder interface {
	RecordOpen(ctx context.Context, trackingToken, ip, userAgent string)
	ResolveClick(ctx context.Context, shortCode, trackingToken, ip, userAgent string) (string, error)
	Unsubscribe(ctx context.Context, token, ip, userAgent string) error
}

// transparentGIF is a 1x1 transparent image served for every pixel fetch,
// tracked or not.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

type TrackingHandler struct {
	service TrackingRecorder
	logger  *slog.Logger
}

func NewTrackingHandler(service TrackingRecorder, logger *slog.Logger) *TrackingHandler {
	return &TrackingHandler{
		service: service,
		logger:  logger.With("component", "tracking_handler"),
	}
}

// RegisterRoutes registers the tracking routes to a Chi router.
func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/open/{token}.png", h.HandleOpen)
	r.Get("/click/{shortCode}/{token}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribeRedirect)
	r.Get("/unsubscribe/{token}/confirm", h.HandleUnsubscribePage)
	r.Post("/unsubscribe/{token}", h.HandleUnsubscribe)
}

// HandleOpen records the open and always serves the pixel; a broken or
// unknown token must not render a broken image in the recipient's client.
func (h *TrackingHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	h.service.RecordOpen(r.Context(), token, clientIP(r), r.UserAgent())

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(transparentGIF); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to write pixel response", "error", err)
	}
}

// HandleClick resolves the short code and redirects. Unknown codes are a
// plain 404; there is nowhere sensible to send the visitor.
func (h *TrackingHandler) HandleClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	shortCode := chi.URLParam(r, "shortCode")
	token := chi.URLParam(r, "token")

	url, err := h.service.ResolveClick(ctx, shortCode, token, clientIP(r), r.UserAgent())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Link not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to resolve click", "error", err, "short_code", shortCode)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// HandleUnsubscribe is the one-click endpoint mail clients POST to per the
// List-Unsubscribe-Post header, and the confirmation page's form target.
func (h *TrackingHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := chi.URLParam(r, "token")

	err := h.service.Unsubscribe(ctx, token, clientIP(r), r.UserAgent())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "You have been unsubscribed."})
	case errors.Is(err, domain.ErrTokenUsed):
		// Already opted out; from the recipient's side that is a success.
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "You are already unsubscribed."})
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "Unknown unsubscribe link", http.StatusNotFound)
	case errors.Is(err, domain.ErrTokenExpired):
		http.Error(w, "Unsubscribe link expired", http.StatusGone)
	default:
		h.logger.ErrorContext(ctx, "Failed to process unsubscribe", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// HandleUnsubscribeRedirect sends the emailed unsubscribe link to the
// confirmation page, carrying the token through. Nothing is consumed on a
// GET; scanners follow links.
func (h *TrackingHandler) HandleUnsubscribeRedirect(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	http.Redirect(w, r, "/track/unsubscribe/"+token+"/confirm", http.StatusFound)
}

// HandleUnsubscribePage serves a minimal confirmation page whose form POSTs
// back to the one-click endpoint.
func (h *TrackingHandler) HandleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := html.EscapeString(chi.URLParam(r, "token"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	page := `<!DOCTYPE html><html><body>
<p>Click the button below to stop receiving these emails.</p>
<form method="POST" action="/track/unsubscribe/` + token + `"><button type="submit">Unsubscribe</button></form>
</body></html>`
	if _, err := w.Write([]byte(page)); err != nil {
		h.logger.WarnContext(r.Context(), "Failed to write unsubscribe page", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
