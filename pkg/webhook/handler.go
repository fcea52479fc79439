// Package webhook accepts signed domain events from the restaurant backend,
// records them in the relay backlog and broadcasts them to subscribed displays.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/tablecast/pkg/cable"
	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
	"github.com/codeGROOVE-dev/tablecast/pkg/notify"
	"github.com/codeGROOVE-dev/tablecast/pkg/srv"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

const (
	maxPayloadSize = 1 << 20
	// SignatureHeader carries "sha256=" followed by the hex HMAC of the body.
	SignatureHeader = "X-Tablecast-Signature"
	signaturePrefix = "sha256="
	backlogTimeout  = 5 * time.Second
)

// Broadcaster is the part of srv.Hub the handler needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, b srv.Broadcast) bool
}

// Handler handles backend event webhooks.
type Handler struct {
	hub     Broadcaster
	backlog store.Backlog
	now     func() time.Time
	secret  string
}

// NewHandler creates a webhook handler. backlog may be nil, in which case
// events are broadcast without being recorded.
func NewHandler(hub Broadcaster, backlog store.Backlog, secret string) *Handler {
	return &Handler{hub: hub, backlog: backlog, secret: secret, now: time.Now}
}

// delivery is the webhook body.
type delivery struct {
	RestaurantID notify.ID       `json:"restaurant_id"`
	Channel      string          `json:"channel"`
	Message      json.RawMessage `json:"message"`
}

type response struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
}

// ServeHTTP validates, records and broadcasts one event.
//
//nolint:revive // linear validation reads best in one function
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "webhook payload too large", logger.Fields{"content_length": r.ContentLength})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		logger.Error(ctx, "error reading webhook body", err, nil)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !VerifySignature(body, r.Header.Get(SignatureHeader), h.secret) {
		logger.Warn(ctx, "webhook signature verification failed", logger.Fields{
			"remote_addr":   r.RemoteAddr,
			"has_signature": r.Header.Get(SignatureHeader) != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "bad request: body must be a JSON object", http.StatusBadRequest)
		return
	}
	ev, err := notify.Decode(d.Message, nil)
	if err != nil {
		logger.Warn(ctx, "webhook message rejected", logger.Fields{"error": err.Error()})
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	tenant := string(d.RestaurantID)
	switch {
	case tenant == "":
		tenant = ev.TenantID
	case ev.TenantID != "" && ev.TenantID != tenant:
		http.Error(w, "bad request: restaurant_id does not match the event", http.StatusBadRequest)
		return
	}
	if tenant == "" {
		http.Error(w, "bad request: restaurant_id is required", http.StatusBadRequest)
		return
	}
	ev.TenantID = tenant

	channel := d.Channel
	if channel == "" {
		channel = ChannelFor(ev.Kind)
	}
	if channel != ChannelFor(ev.Kind) {
		http.Error(w, "bad request: event does not belong on channel "+channel, http.StatusBadRequest)
		return
	}

	id := notify.DefaultID(ev)
	if id == "" {
		id = uuid.NewString()
	}
	if h.backlog != nil {
		bctx, cancel := context.WithTimeout(ctx, backlogTimeout)
		err := h.backlog.Add(bctx, notify.NewRecord(ev, id, h.now()))
		cancel()
		if err != nil {
			// Live delivery still proceeds; only replay is lost.
			logger.Error(ctx, "failed to record event in backlog", err, logger.Fields{
				"id":            id,
				"restaurant_id": tenant,
			})
		}
	}

	delivered := h.hub.Broadcast(ctx, srv.Broadcast{Message: d.Message, TenantID: tenant, Channel: channel})
	logger.Info(ctx, "webhook accepted", logger.Fields{
		"id":            id,
		"kind":          string(ev.Kind),
		"restaurant_id": tenant,
		"channel":       channel,
		"queued":        delivered,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(response{ID: id, Channel: channel, Delivered: delivered}); err != nil {
		logger.Warn(ctx, "failed to write webhook response", logger.Fields{"error": err.Error()})
	}
}

// ChannelFor returns the channel events of kind are published on.
func ChannelFor(kind notify.Kind) string {
	if kind.IsStock() {
		return cable.InventoryChannel
	}
	return cable.OrderChannel
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the HMAC-SHA256 of payload. An
// empty secret verifies nothing.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := Sign(payload, secret)
	valid := hmac.Equal([]byte(signature), []byte(expected))
	return valid && secret != "" && strings.HasPrefix(signature, signaturePrefix)
}

// ErrNoSecret is returned by Validate for a handler without a secret.
var ErrNoSecret = errors.New("webhook secret is required")

// Validate reports configuration problems.
func (h *Handler) Validate() error {
	if h.secret == "" {
		return ErrNoSecret
	}
	return nil
}
