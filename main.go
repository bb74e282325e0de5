package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proofvault/engine/pkg/confirmation"
	"github.com/proofvault/engine/pkg/config"
	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/fingerprint"
	"github.com/proofvault/engine/pkg/keystore"
	"github.com/proofvault/engine/pkg/ledger"
	"github.com/proofvault/engine/pkg/registration"
	"github.com/proofvault/engine/pkg/server"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	log.Println("starting proofvault evidence registration and confirmation engine")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	identity, err := keystore.Load(cfg.KeystorePath)
	if err != nil {
		log.Fatalf("failed to load signer identity: %v", err)
	}
	log.Printf("signer identity loaded: address=%s", identity.Address())

	dbClient, err := evidence.NewClient(cfg, evidence.WithLogger(
		log.New(log.Writer(), "[evidence] ", log.LstdFlags),
	))
	if err != nil {
		log.Fatalf("failed to connect to evidence store: %v", err)
	}
	defer dbClient.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := dbClient.MigrateUp(migrateCtx); err != nil {
		migrateCancel()
		log.Fatalf("evidence store migration failed: %v", err)
	}
	migrateCancel()

	repo := evidence.NewRepository(dbClient)
	builder := fingerprint.NewBuilder(cfg.LedgerOrgID, cfg.LedgerTenantID)
	ledgerClient := ledger.NewClient(cfg)

	engine := confirmation.New(cfg, repo, ledgerClient, builder, identity)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	log.Println("confirmation engine started")

	svc := registration.New(repo, engine, builder, identity, cfg.RegistrationMaxBytes)

	httpServer := server.New(cfg.ListenAddr, svc, dbClient.Health, log.New(log.Writer(), "[server] ", log.LstdFlags))

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("evidence HTTP edge listening on %s", cfg.ListenAddr)
		serveErr <- httpServer.ListenAndServe(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("shutdown signal received")
		cancel()
		engine.Stop()
		if err := <-serveErr; err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	case err := <-serveErr:
		if err != nil {
			log.Printf("HTTP server stopped unexpectedly: %v", err)
		}
		cancel()
		engine.Stop()
	}

	log.Println("proofvault engine stopped")
}

func printHelp() {
	fmt.Println("ProofVault evidence registration and confirmation engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  proofvaultd [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --help   Show this help message")
	fmt.Println()
	fmt.Println("Configuration is read entirely from PROOFVAULT_* environment")
	fmt.Println("variables; see pkg/config for the full list and defaults.")
}
