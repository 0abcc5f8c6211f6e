package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/emvios/depositgate/internal/api"
	"github.com/emvios/depositgate/internal/ccpayment"
	"github.com/emvios/depositgate/internal/config"
	"github.com/emvios/depositgate/internal/notify"
	"github.com/emvios/depositgate/internal/reconcile"
	"github.com/emvios/depositgate/internal/sign"
	"github.com/emvios/depositgate/internal/store"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("invalid LOG_LEVEL: %v", err)
	}
	log.SetLevel(level)

	ledgerStore, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("unable to connect to database: %v", err)
	}
	defer ledgerStore.Close()

	// One provider client for the process; pooled connections are reused
	// across deliveries.
	signer := sign.New(cfg.ProviderAppID, cfg.ProviderAppSecret)
	providerClient := ccpayment.New(cfg.ProviderBaseURL, signer, cfg.ProviderTimeout, log)

	var notifier notify.Notifier = notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, cfg.TelegramPrefix, log)
	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, alerts disabled")
		notifier = notify.Nop{}
	}

	reconciler := reconcile.New(providerClient, ledgerStore, reconcile.UnimplementedOrderResolver{}, notifier, log)
	handler := api.NewHandler(signer, reconciler, providerClient, ledgerStore, notifier, log)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.HandleFunc("/api/webhooks/ccpayment", handler.HandleWebhook).Methods("POST")
	r.HandleFunc("/api/webhooks/ccpayment", handler.WebhookStatus).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/users/{id}/deposit-address", handler.CreateDepositAddress).Methods("POST")

	log.Printf("Server starting on :%s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
