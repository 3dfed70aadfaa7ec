package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/morezero/sdkconnect/pkg/connection"
	"github.com/morezero/sdkconnect/pkg/deeplink"
	"github.com/morezero/sdkconnect/pkg/dispatcher"
)

const httpLogPrefix = "server:http"

// managerForHTTP is the subset of *connection.Manager the HTTP handlers use.
type managerForHTTP interface {
	Health(ctx context.Context) *connection.HealthOutput
	HasInitialized() bool
}

// MuxParams holds parameters for NewMux. Empty AllowedOrigins allows any origin.
type MuxParams struct {
	Manager        managerForHTTP
	Handler        dispatcher.DeeplinkHandler
	HealthTimeout  time.Duration
	AllowedOrigins []string
}

// NewMux builds the HTTP routes: /health, /ready and the /connect universal link.
// Dapp pages POST to /connect from the browser, so the router is wrapped in CORS.
func NewMux(params MuxParams) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth(params.Manager, params.HealthTimeout)).Methods(http.MethodGet)
	router.HandleFunc("/ready", handleReady(params.Manager)).Methods(http.MethodGet)
	router.HandleFunc("/connect", handleConnect(params.Handler)).Methods(http.MethodGet, http.MethodPost)

	return cors.New(cors.Options{
		AllowedOrigins: params.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Origin", "Accept", "Content-Type", "X-Requested-With"},
	}).Handler(router)
}

func handleHealth(manager managerForHTTP, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		h := manager.Health(ctx)
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func handleReady(manager managerForHTTP) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !manager.HasInitialized() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleConnect accepts the universal link itself (GET /connect?channelId=...) or
// a POST of {"url": "...", "origin": "..."} for links opened by another app.
func handleConnect(handler dispatcher.DeeplinkHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL, origin := requestURL(r), deeplink.OriginDeeplink
		if r.Method == http.MethodPost {
			var body dispatcher.OpenURLParams
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
				return
			}
			rawURL, origin = body.URL, body.Origin
		}

		req, err := deeplink.ParseConnectURL(rawURL, origin)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		out := handler.Handle(r.Context(), req)
		slog.Debug(fmt.Sprintf("%s - connect %s action=%s failed=%v", httpLogPrefix, out.ChannelID, out.Action, out.Failed()))
		writeJSON(w, http.StatusAccepted, dispatcher.ToOutcomeResult(out))
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - encode response: %v", httpLogPrefix, err))
	}
}
