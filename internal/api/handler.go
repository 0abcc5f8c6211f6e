package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/emvios/depositgate/internal/models"
	"github.com/emvios/depositgate/internal/notify"
	"github.com/emvios/depositgate/internal/reconcile"
	"github.com/emvios/depositgate/internal/sign"
	"github.com/emvios/depositgate/internal/store"
)

// replayWindow is how far a webhook Timestamp header may drift from the
// receive time before the delivery is treated as a replay.
const replayWindow = 300 * time.Second

var (
	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositgate_webhook_deliveries_total",
		Help: "Webhook deliveries by terminal outcome",
	}, []string{"outcome"})

	webhookRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositgate_webhook_rejected_total",
		Help: "Webhook deliveries rejected before processing",
	}, []string{"reason"})

	webhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "depositgate_webhook_duration_seconds",
		Help:    "Latency of webhook handling",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	addressRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depositgate_address_requests_total",
		Help: "Deposit address provisioning requests by status",
	}, []string{"status"})
)

type reconciler interface {
	Handle(ctx context.Context, env *models.WebhookEnvelope) (reconcile.Outcome, error)
}

type addressProvisioner interface {
	GetPermanentDepositAddress(ctx context.Context, referenceID, chain string) (*models.DepositAddress, error)
}

type userFinder interface {
	FindUser(ctx context.Context, id int64) (*models.User, error)
}

type Handler struct {
	signer     *sign.Signer
	reconciler reconciler
	provider   addressProvisioner
	users      userFinder
	notifier   notify.Notifier
	log        *logrus.Logger
	now        func() time.Time
}

func NewHandler(signer *sign.Signer, rec reconciler, provider addressProvisioner, users userFinder, notifier notify.Notifier, log *logrus.Logger) *Handler {
	return &Handler{
		signer:     signer,
		reconciler: rec,
		provider:   provider,
		users:      users,
		notifier:   notifier,
		log:        log,
		now:        time.Now,
	}
}

// HandleWebhook authenticates and processes one provider webhook
// delivery. Every classified outcome acknowledges with 200 so the
// provider stops retrying; only authentication failures and processing
// errors respond otherwise.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(webhookDuration)
	defer timer.ObserveDuration()

	appID := r.Header.Get("Appid")
	timestamp := r.Header.Get("Timestamp")
	signature := r.Header.Get("Sign")

	log := h.log.WithField("delivery_id", uuid.NewString())

	if appID == "" || timestamp == "" || signature == "" {
		webhookRejected.WithLabelValues("missing_headers").Inc()
		log.Error("webhook missing required headers")
		respondText(w, http.StatusBadRequest, "Missing required headers")
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		webhookRejected.WithLabelValues("body_read").Inc()
		respondText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if appID != h.signer.AppID() {
		webhookRejected.WithLabelValues("app_id").Inc()
		log.Error("webhook AppId mismatch")
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid AppId"})
		return
	}

	// Stale replays are rejected before any signature math.
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || absDiff(h.now().Unix(), ts) > int64(replayWindow.Seconds()) {
		webhookRejected.WithLabelValues("timestamp").Inc()
		log.WithField("timestamp", timestamp).Error("webhook timestamp expired or malformed")
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired timestamp"})
		return
	}

	if !h.signer.Verify(rawBody, signature, appID, ts) {
		webhookRejected.WithLabelValues("signature").Inc()
		log.Error("webhook signature invalid")
		// Forged or tampered deliveries are a security event, not noise.
		h.notifier.Notify(r.Context(), "webhook: invalid signature detected!")
		respondText(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var env models.WebhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		log.WithError(err).Error("webhook body unmarshal failed after valid signature")
		h.notifier.Notify(r.Context(), fmt.Sprintf("webhook error: malformed signed payload: %v", err))
		respondText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	outcome, err := h.reconciler.Handle(r.Context(), &env)
	if err != nil {
		webhookDeliveries.WithLabelValues("error").Inc()
		log.WithError(err).Error("webhook processing failed")
		h.notifier.Notify(r.Context(), fmt.Sprintf("webhook error!\n%v", err))
		respondText(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	webhookDeliveries.WithLabelValues(string(outcome)).Inc()
	log.WithField("outcome", outcome).Info("webhook acknowledged")

	if outcome == reconcile.OutcomeActivated {
		respondJSON(w, http.StatusOK, map[string]string{"msg": "success"})
		return
	}
	respondText(w, http.StatusOK, "Success")
}

// WebhookStatus is the GET probe on the webhook path. No side effects.
func (h *Handler) WebhookStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"message":   "deposit webhook endpoint is active",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"version":   "2.0",
	})
}

type depositAddressRequest struct {
	Chain string `json:"chain"`
}

// CreateDepositAddress provisions (or re-fetches) the permanent deposit
// address for a user on a chain. The provider deduplicates per
// (referenceId, chain), so repeated calls are safe.
func (h *Handler) CreateDepositAddress(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	userID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || userID <= 0 {
		addressRequests.WithLabelValues("bad_request").Inc()
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid user id"})
		return
	}

	var req depositAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Chain == "" {
		addressRequests.WithLabelValues("bad_request").Inc()
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Chain is required"})
		return
	}

	if _, err := h.users.FindUser(r.Context(), userID); err != nil {
		if err == store.ErrUserNotFound {
			addressRequests.WithLabelValues("user_not_found").Inc()
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
			return
		}
		addressRequests.WithLabelValues("error").Inc()
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}

	addr, err := h.provider.GetPermanentDepositAddress(r.Context(), idStr, req.Chain)
	if err != nil {
		addressRequests.WithLabelValues("provider_error").Inc()
		h.log.WithError(err).Error("deposit address provisioning failed")
		respondJSON(w, http.StatusBadGateway, map[string]string{"error": "Provider unavailable"})
		return
	}

	addressRequests.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, addr)
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondText(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(message))
}
