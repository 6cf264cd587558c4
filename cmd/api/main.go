package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trellis.org/internal/access"
	"trellis.org/internal/assignment"
	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/httpapi"
	"trellis.org/internal/notify"
	"trellis.org/internal/obs"
	"trellis.org/internal/refcode"
	"trellis.org/internal/roles"
	"trellis.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()

	secret := os.Getenv("TRELLIS_JWT_SECRET")
	if secret == "" {
		log.Fatal("TRELLIS_JWT_SECRET is required")
	}
	addr := os.Getenv("TRELLIS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg := httpapi.Config{
		Stream:        notify.New(),
		JWTSecret:     []byte(secret),
		Version:       version,
		RatePerSecond: 50,
		RateBurst:     100,
	}

	var store *pg.Store
	if dsn := os.Getenv("TRELLIS_PG_DSN"); dsn != "" {
		var err error
		store, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		cfg.Hierarchy = store
		cfg.Codes = store
		cfg.Assignments = store
		cfg.Access = access.NewService(store, store, store)
		cfg.Financials = store
		cfg.ReadyProbe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		// Single-node development mode without persistence.
		auditLog := audit.NewInMemory()
		tree := hierarchy.NewInMemory(auditLog)
		items := assignment.NewInMemory(tree, auditLog)
		cfg.Hierarchy = tree
		cfg.Codes = refcode.NewInMemory(tree, auditLog)
		cfg.Assignments = items
		cfg.Access = access.NewService(tree, items, auditLog)
		cfg.Financials = access.NewInMemoryFinancials()

		// Same bootstrap the seed migration provides for Postgres.
		if _, err := tree.CreateRoot(context.Background(), hierarchy.User{
			ID:          "root-admin",
			Role:        roles.Admin,
			DisplayName: "Root Administrator",
		}); err != nil {
			log.Fatalf("bootstrap root admin: %v", err)
		}
		log.Print("TRELLIS_PG_DSN not set, using in-memory stores (root user: root-admin)")
	}

	api := httpapi.New(cfg)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting trellis-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
