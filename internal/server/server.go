package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/priceoracle"
)

// FiberServer is the explicit service object every handler dispatches
// through: it holds the ledger, price oracle, round engine, and
// broadcast hub so no handler reaches them via a process-wide
// singleton.
type FiberServer struct {
	*fiber.App

	cfg    config.Config
	db     database.Service
	cache  cache.Service
	ledger ledger.Ledger
	oracle *priceoracle.Oracle
	engine *game.Engine
	hub    *game.Hub
}

// New wires an already-constructed ledger, oracle, engine, and hub into
// a Fiber app and registers routes. The round engine and hub loops are
// started by the caller (cmd/server), not here, so tests can construct
// a FiberServer without side effects.
func New(cfg config.Config, db database.Service, cacheSvc cache.Service, led ledger.Ledger, oracle *priceoracle.Oracle, engine *game.Engine, hub *game.Hub) *FiberServer {
	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashgame",
			AppName:       "crashgame",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:    cfg,
		db:     db,
		cache:  cacheSvc,
		ledger: led,
		oracle: oracle,
		engine: engine,
		hub:    hub,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: time.Minute,
	}))

	server.RegisterFiberRoutes()

	return server
}

// Shutdown stops the round engine and hub loops and closes the
// database/cache connections. It does not call s.App.Shutdown — the
// caller manages the HTTP listener's lifecycle separately.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] shutting down")

	if s.engine != nil {
		s.engine.Stop()
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Printf("[SERVER] cache close error: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("[SERVER] db close error: %v", err)
		}
	}

	return nil
}
