package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/example/chat-realtime/internal/auth"
	"github.com/example/chat-realtime/internal/presence"
	"github.com/example/chat-realtime/internal/ratelimit"
)

// Handler upgrades /ws requests into gateway sessions.
type Handler struct {
	gw        *Gateway
	verifier  TokenVerifier
	limiter   *ratelimit.Limiter
	refresher presence.Refresher
}

// TokenVerifier validates a bearer token and returns the caller's identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

func NewHandler(gw *Gateway, verifier TokenVerifier, limiter *ratelimit.Limiter, refresher presence.Refresher) *Handler {
	return &Handler{gw: gw, verifier: verifier, limiter: limiter, refresher: refresher}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteIP := clientIP(r)
	if res := h.limiter.Check(remoteIP+":conn", ratelimit.Connection); res.Limited {
		w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := h.verifier.Verify(token)
	if err != nil {
		slog.Warn("Token rejected", "remote", remoteIP, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers connect from the app origin; server-side clients send none.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("Websocket accept failed", "remote", remoteIP, "error", err)
		return
	}

	client := newClient(conn, h.gw, h.refresher)
	client.sess = h.gw.Register(r.Context(), uuid.NewString(), identity, remoteIP, client)
	client.run(r.Context())
}

// bearerToken pulls the token from the Authorization header or, for browser
// websocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
