package srv

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
	"github.com/codeGROOVE-dev/tablecast/pkg/store"
)

const maxSyncBody = 1 << 20

// NotificationsHandler serves the backlog API displays use to catch up after
// a reconnect:
//
//	GET  /api/notifications/missed?restaurant_id=<id>&since=<RFC3339>
//	POST /api/notifications/sync   (JSON array of records)
type NotificationsHandler struct {
	backlog store.Backlog
	auth    Authenticator
}

// NewNotificationsHandler creates the backlog API handler.
func NewNotificationsHandler(b store.Backlog, auth Authenticator) *NotificationsHandler {
	return &NotificationsHandler{backlog: b, auth: auth}
}

// Register mounts the handler's routes on mux.
func (h *NotificationsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/notifications/missed", h.Missed)
	mux.HandleFunc("POST /api/notifications/sync", h.Sync)
}

// Missed returns the tenant's records created after since, oldest first.
func (h *NotificationsHandler) Missed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	tenant := q.Get("restaurant_id")
	if err := validTenant(tenant); err != nil {
		http.Error(w, "restaurant_id is required", http.StatusBadRequest)
		return
	}
	if _, err := authorize(ctx, h.auth, bearerToken(r), tenant); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var since time.Time
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	records, err := h.backlog.Since(ctx, tenant, since)
	if err != nil {
		logger.Error(ctx, "backlog read failed", err, logger.Fields{"restaurant_id": tenant})
		http.Error(w, "backlog unavailable", http.StatusServiceUnavailable)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		logger.Warn(ctx, "failed to write missed notifications", logger.Fields{"error": err.Error()})
	}
}

// Sync accepts records a display persisted locally and adds those the
// backlog does not already hold. Every record must belong to a tenant the
// token grants.
func (h *NotificationsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	grant, err := h.auth.Grant(ctx, bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSyncBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var records []store.Record
	if err := json.Unmarshal(body, &records); err != nil {
		http.Error(w, "expected a JSON array of records", http.StatusBadRequest)
		return
	}
	for _, rec := range records {
		if rec.ID == "" || validTenant(rec.RestaurantID) != nil {
			http.Error(w, "every record needs an id and restaurant_id", http.StatusBadRequest)
			return
		}
		if grant != AnyTenant && rec.RestaurantID != grant {
			http.Error(w, "record for another restaurant", http.StatusForbidden)
			return
		}
	}
	for _, rec := range records {
		if err := h.backlog.Add(ctx, rec); err != nil {
			logger.Error(ctx, "backlog write failed", err, logger.Fields{"id": rec.ID})
			http.Error(w, "backlog unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	logger.Debug(ctx, "synced notifications", logger.Fields{"count": len(records)})
	w.WriteHeader(http.StatusNoContent)
}
