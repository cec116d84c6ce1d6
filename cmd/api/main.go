package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"centra.org/internal/audit"
	"centra.org/internal/authz"
	"centra.org/internal/httpapi"
	"centra.org/internal/identity"
	"centra.org/internal/obs"
	"centra.org/internal/store/mem"
	"centra.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CENTRA_COMMIT"))

	registry, err := loadRegistry()
	if err != nil {
		log.Fatalf("load role registry: %v", err)
	}

	var (
		profiles   authz.ProfileStore
		auditStore audit.Store
		probe      httpapi.ReadyProbe
		pgStore    *pg.Store
	)
	if dsn := os.Getenv("CENTRA_PG_DSN"); dsn != "" {
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		profiles = pgStore.Profiles()
		auditStore = pgStore.Audit()
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Printf("CENTRA_PG_DSN not set, using in-process stores")
		profiles = mem.NewProfileStore()
		auditStore = mem.NewAuditStore()
	}

	verifier, err := identity.NewVerifier(os.Getenv("CENTRA_IDENTITY_SECRET"), os.Getenv("CENTRA_IDENTITY_ISSUER"))
	if err != nil {
		log.Fatalf("identity verifier: %v", err)
	}

	svc, err := authz.NewService(profiles, registry)
	if err != nil {
		log.Fatalf("authz service: %v", err)
	}
	gate, err := authz.NewGate(profiles, svc.Resolver())
	if err != nil {
		log.Fatalf("authz gate: %v", err)
	}
	auditLog, err := audit.NewLogger(auditStore)
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Gate:       gate,
		Service:    svc,
		AuditLog:   auditLog,
		Verifier:   verifier,
		ReadyProbe: probe,
		Version:    version,
	})
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	addr := os.Getenv("CENTRA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting centra-api %s on %s", version, srv.Addr)

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
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func loadRegistry() (*authz.Registry, error) {
	if path := os.Getenv("CENTRA_ROLES_FILE"); path != "" {
		return authz.LoadRegistryFile(path)
	}
	return authz.NewRegistry(authz.BuiltinRoles)
}
