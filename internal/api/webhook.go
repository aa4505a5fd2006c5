package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/transfa/treasury-service/internal/app"
	"github.com/transfa/treasury-service/internal/domain"
	"github.com/transfa/treasury-service/internal/store"
	"github.com/transfa/treasury-service/pkg/bridgeclient"
)

const (
	webhookMaxBodyBytes = 1 << 20
	webhookMaxClockSkew = 5 * time.Minute
	webhookEventMinted  = "mint.completed"
	webhookActor        = "bridge"
)

// bridgeWebhookEvent is the envelope the bridge posts to /api/webhooks/receive.
type bridgeWebhookEvent struct {
	ID   string                    `json:"id"`
	Type string                    `json:"type"`
	Data domain.MintCompletedEvent `json:"data"`
}

// BridgeWebhookHandler verifies a signed bridge event and settles completed mints.
// Duplicate deliveries of the same event id are acknowledged without reprocessing.
func (h *Handlers) BridgeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		h.writeError(w, http.StatusServiceUnavailable, "webhooks are not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	timestamp := strings.TrimSpace(r.Header.Get(bridgeclient.TimestampHeader))
	if !freshTimestamp(timestamp, time.Now()) {
		h.writeError(w, http.StatusUnauthorized, "stale or missing timestamp")
		return
	}
	if !bridgeclient.Verify(h.webhookSecret, timestamp, body, r.Header.Get(bridgeclient.SignatureHeader)) {
		log.Printf("level=warn component=webhook msg=\"invalid signature\" remote=%s", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var event bridgeWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	event.ID = strings.TrimSpace(event.ID)
	if event.ID == "" {
		h.writeError(w, http.StatusBadRequest, "event id is required")
		return
	}
	// Claiming the id up front keeps concurrent deliveries of one event from both settling.
	if seen, _ := h.seenEvents.ContainsOrAdd(event.ID, struct{}{}); seen {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if event.Type != webhookEventMinted {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if event.Data.EventID == "" {
		event.Data.EventID = event.ID
	}
	ctx := app.ContextWithActor(r.Context(), webhookActor)
	auth, err := h.service.SettleBridgeMint(ctx, event.Data)
	if err != nil {
		if !errors.Is(err, store.ErrAuthorizationNotFound) && !app.IsPermanent(err) {
			// Release the claim so the bridge's retry is processed.
			h.seenEvents.Remove(event.ID)
		}
		h.writeServiceError(w, r, err)
		return
	}

	log.Printf("level=info component=webhook msg=\"mint settled\" event_id=%s authorization_code=%s", event.ID, auth.Code)
	h.writeJSON(w, http.StatusOK, auth)
}

func freshTimestamp(raw string, now time.Time) bool {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= webhookMaxClockSkew
}
