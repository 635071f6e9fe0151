package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tap-rsvp/tap-node/pkg/config"
	"github.com/tap-rsvp/tap-node/pkg/delivery"
	"github.com/tap-rsvp/tap-node/pkg/did"
	"github.com/tap-rsvp/tap-node/pkg/errs"
	"github.com/tap-rsvp/tap-node/pkg/fsm"
	"github.com/tap-rsvp/tap-node/pkg/keymanager"
	"github.com/tap-rsvp/tap-node/pkg/node"
	"github.com/tap-rsvp/tap-node/pkg/pack"
	"github.com/tap-rsvp/tap-node/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config:", err)
	}

	log.Printf("🔐 initializing TAP node key manager at %s", cfg.KeyStorePath)
	keys := keymanager.New(keymanager.WithStoragePath(cfg.KeyStorePath))
	if err := keys.LoadFromStoragePath(cfg.KeyStorePath); err != nil {
		log.Fatal("failed to load key store:", err)
	}
	if cfg.NodeDID == "" {
		generated, err := keys.GenerateKey(keymanager.DIDGenerationOptions{KeyType: did.Ed25519})
		if err != nil {
			log.Fatal("failed to generate node key:", err)
		}
		cfg.NodeDID = generated.DID
		log.Printf("generated new node DID: %s", cfg.NodeDID)
	}

	resolver := did.NewMultiResolver()

	log.Println("💾 opening node database...")
	dbClient, err := storage.NewClient(cfg)
	if err != nil {
		log.Fatal("failed to open database:", err)
	}
	defer dbClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := dbClient.MigrateUp(ctx); err != nil {
		log.Fatal("failed to run migrations:", err)
	}

	transactions := storage.NewTransactionRepository(dbClient)
	messages := storage.NewMessageRepository(dbClient)
	deliveries := storage.NewDeliveryRepository(dbClient)

	packer := pack.New(keys)
	httpSender := delivery.NewHTTPSender(
		delivery.WithMaxRetries(cfg.DeliveryMaxRetries),
		delivery.WithBaseDelay(cfg.DeliveryBackoff),
	)

	decisions := node.DecisionHandler{
		AutoApprove: &node.AutoApproveHandler{
			Approve: func(ctx context.Context, transactionID string, decision fsm.Decision) error {
				log.Printf("transaction %s requires %s; auto-approve demo handler would act here", transactionID, decision.Kind)
				return nil
			},
		},
	}

	tapNode := node.New(cfg.NodeDID, packer, didDocEndpointResolver{resolver: resolver}, transactions, messages, deliveries, decisions, httpSender, node.WithLogger(log.New(log.Writer(), "[Node] ", log.LstdFlags)))

	handlers := node.NewHTTPHandlers(tapNode)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "did": cfg.NodeDID})
	})
	mux.HandleFunc("/didcomm", handlers.HandleDIDCommMessage)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Printf("🌐 TAP node listening on %s (did=%s)", cfg.ListenAddr, cfg.NodeDID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server:", err)
		}
	}()
	go func() {
		log.Printf("📈 metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start metrics server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 shutting down TAP node...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

// didDocEndpointResolver resolves a recipient's DIDComm service endpoint
// from the "serviceEndpoint" entry of their DID document's first
// DIDCommMessaging service, falling back to a did:web domain guess whenever
// no such endpoint is found (no document, or no matching service).
type didDocEndpointResolver struct {
	resolver did.Resolver
}

func (r didDocEndpointResolver) ServiceEndpoint(ctx context.Context, targetDID string) (string, error) {
	doc, err := r.resolver.Resolve(ctx, did.StripFragment(targetDID))
	if err == nil && doc != nil {
		for _, svc := range doc.Service {
			if svc["type"] == "DIDCommMessaging" {
				if endpoint, ok := svc["serviceEndpoint"].(string); ok {
					return endpoint, nil
				}
			}
		}
	}
	if did.Method(targetDID) == "web" {
		return "https://" + did.StripFragment(targetDID)[len("did:web:"):] + "/didcomm", nil
	}
	return "", errs.New(errs.DidResolution, "no registered service endpoint for "+targetDID)
}
