package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpayroll/pspd/internal/config"
	"github.com/openpayroll/pspd/internal/core/gate"
	"github.com/openpayroll/pspd/internal/core/ledger"
	"github.com/openpayroll/pspd/internal/core/liability"
	"github.com/openpayroll/pspd/internal/core/payment"
	"github.com/openpayroll/pspd/internal/core/reconcile"
	"github.com/openpayroll/pspd/internal/events"
	"github.com/openpayroll/pspd/internal/events/pebblestore"
	"github.com/openpayroll/pspd/internal/providers"
	"github.com/openpayroll/pspd/internal/psp"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
	"github.com/openpayroll/pspd/internal/storage/pspdb/sqlstore"
)

// maintenanceInterval paces the reservation expiry sweep.
const maintenanceInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pspd daemon",
	Long: `Start the pspd daemon: opens the database, the event log and the rail
providers, then serves the payment API over HTTP.

This is the default command when no subcommand is specified.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logger pspdb.Logger = &pspdb.DefaultLogger{}
	if quiet {
		logger = pspdb.NoOpLogger{}
	}

	store := sqlstore.New(&cfg.Database)
	manager := pspdb.NewManager(store, &cfg.Database, logger)
	if err := manager.Open(ctx); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer manager.Close(context.Background())

	var eventStore events.Store
	switch cfg.Events.Backend {
	case config.EventBackendPebble:
		opts := []pebblestore.Option{}
		if cfg.Events.Sync {
			opts = append(opts, pebblestore.WithSync())
		}
		pebbleStore, err := pebblestore.Open(cfg.Events.Path, opts...)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer pebbleStore.Close()
		eventStore = pebbleStore
	default:
		eventStore = events.NewMemoryStore()
	}
	emitter := events.NewEmitter(eventStore)

	ledgerService := ledger.NewService(store.Ledger())
	gateService := gate.NewService(store.Gate(), ledgerService)
	orchestrator := payment.NewOrchestrator(store.Payment())
	liabilityService := liability.NewService(store.Liability())
	reconciler := reconcile.NewReconciler(store.Settlement(), ledgerService, orchestrator, liabilityService)

	registry := providers.NewRegistry()
	registry.Register(providers.NewACHSimulator())
	registry.Register(providers.NewFedNowSimulator())

	facade := psp.New(ledgerService, gateService, orchestrator, reconciler, liabilityService, registry,
		psp.WithConfig(cfg.PSP),
		psp.WithEmitter(emitter),
		psp.WithLogger(logger),
	)

	manager.StartMaintenance(ledgerService, maintenanceInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := manager.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"pspd"}`))
	})
	mux.HandleFunc("/v1/batches/commit", handleJSON(func(ctx context.Context, req *psp.Batch) (interface{}, error) {
		return facade.CommitPayrollBatch(ctx, req)
	}))
	mux.HandleFunc("/v1/batches/execute", handleJSON(func(ctx context.Context, req *psp.ExecuteRequest) (interface{}, error) {
		return facade.ExecutePayments(ctx, req)
	}))
	mux.HandleFunc("/v1/settlements/ingest", handleJSON(func(ctx context.Context, req *psp.IngestRequest) (interface{}, error) {
		return facade.IngestSettlementFeed(ctx, req)
	}))
	mux.HandleFunc("/v1/callbacks", handleJSON(func(ctx context.Context, req *psp.CallbackRequest) (interface{}, error) {
		return facade.HandleProviderCallback(ctx, req)
	}))

	listenAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.Port)
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if !quiet {
		fmt.Println("Starting pspd - payroll payment service provider daemon")
		fmt.Printf("  - Database:   %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)
		fmt.Printf("  - Event log:  %s\n", cfg.Events.Backend)
		fmt.Printf("  - Rails:      %v\n", registry.Names())
		fmt.Printf("  - HTTP API:   http://localhost:%d/v1\n", cfg.Server.Port)
		fmt.Printf("  - Health:     http://localhost:%d/health\n", cfg.Server.Port)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	return nil
}

// handleJSON adapts a facade operation to a POST JSON endpoint.
func handleJSON[Req any](op func(ctx context.Context, req *Req) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		result, err := op(r.Context(), &req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Printf("encode response: %v", err)
		}
	}
}
