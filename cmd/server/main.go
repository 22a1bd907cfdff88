package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/priceoracle"
	"crashgame/internal/reconcile"
	"crashgame/internal/server"
)

func main() {
	cfg := config.Load()

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	cacheSvc := cache.New(cfg)
	if cacheSvc == nil {
		log.Fatal("Failed to connect to Redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := reconcile.New(db.Pool()).Run(ctx); err != nil {
		log.Fatalf("Startup reconciliation failed: %v", err)
	}

	led := ledger.NewPostgresLedger(db.Pool())
	oracle := priceoracle.New(cfg, cacheSvc.GetClient())
	store := game.NewPostgresRoundStore(db.Pool())

	// NewHub needs a CashOuter, which only a built Engine satisfies, so
	// the engine is constructed with a no-op sink first and wired to the
	// hub once the hub exists.
	engine := game.NewEngine(cfg, led, oracle, store, nil)
	hub := game.NewHub(engine)
	engine.SetSink(hub)

	engine.Start(ctx)
	go hub.Run()

	app := server.New(cfg, db, cacheSvc, led, oracle, engine, hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.ListenPort))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("[SERVER] listener error: %v", err)
		}
	case <-ctx.Done():
		log.Println("[SERVER] shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("[SERVER] http shutdown error: %v", err)
	}
	if err := app.Shutdown(); err != nil {
		log.Printf("[SERVER] app shutdown error: %v", err)
	}
}
