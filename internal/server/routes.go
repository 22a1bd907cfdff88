package server

import (
	"context"
	"errors"
	"log"
	"regexp"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"

	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/metrics"
)

var playerIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := s.App.Group("/api/v1")

	api.Post("/players", s.createPlayerHandler)
	api.Get("/players/:id/balance", s.balanceHandler)
	api.Get("/players/:id/transactions", s.historyHandler)
	api.Post("/players/:id/deposit", s.depositHandler)
	api.Post("/players/:id/withdraw", s.withdrawHandler)

	api.Post("/wagers", s.placeWagerHandler)
	api.Post("/cashout", s.cashOutHandler)

	api.Get("/round", s.currentRoundHandler)
	api.Get("/rounds", s.roundHistoryHandler)
	api.Get("/rounds/:id", s.roundDetailsHandler)
	api.Post("/rounds/:id/verify", s.verifyRoundHandler)

	api.Get("/prices", s.pricesHandler)
	api.Post("/convert", s.convertHandler)

	s.App.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.hub.Attach(context.Background(), c)
	}))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"status":      "running",
			"connections": s.hub.ConnectionCount(),
			"round":       s.engine.Snapshot(),
		},
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: msg})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: msg})
}

func conflict(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusConflict).JSON(errorResponse{Error: msg})
}

func internalError(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: msg})
}

type createPlayerRequest struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	InitialBalances map[string]string `json:"initial_balances,omitempty"`
}

func (s *FiberServer) createPlayerHandler(c *fiber.Ctx) error {
	var req createPlayerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !playerIDPattern.MatchString(req.ID) {
		return badRequest(c, "id must be 3-50 characters of letters, digits, underscore, or hyphen")
	}
	if len(req.Name) < 3 || len(req.Name) > 20 {
		return badRequest(c, "name must be 3-20 characters")
	}

	initial := make(map[ledger.Asset]decimal.Decimal, len(req.InitialBalances))
	for asset, amountS := range req.InitialBalances {
		if !ledger.IsSupported(ledger.Asset(asset)) {
			return badRequest(c, "unsupported asset in initial_balances: "+asset)
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return badRequest(c, "malformed initial balance for "+asset)
		}
		if amount.IsNegative() {
			return badRequest(c, "initial balance for "+asset+" must not be negative")
		}
		initial[ledger.Asset(asset)] = amount
	}

	// CreatePlayer only seeds zero balances: any requested non-zero
	// initial balance is applied afterward as a deposit, so it lands
	// in the transaction log instead of appearing out of nowhere.
	player, err := s.ledger.CreatePlayer(c.Context(), req.ID, req.Name, nil)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrPlayerExists), errors.Is(err, ledger.ErrNameTaken):
		return conflict(c, err.Error())
	default:
		return internalError(c, "failed to create player")
	}

	for asset, amount := range initial {
		if amount.IsZero() {
			continue
		}
		if _, err := s.deposit(c.Context(), req.ID, asset, amount); err != nil {
			return internalError(c, "failed to apply initial balance for "+string(asset))
		}
	}

	return c.Status(fiber.StatusCreated).JSON(player)
}

func (s *FiberServer) balanceHandler(c *fiber.Ctx) error {
	playerID := c.Params("id")

	balances, err := s.ledger.Balances(c.Context(), playerID)
	if err != nil {
		return notFound(c, "unknown player")
	}

	totalFiat := decimal.Zero
	perAsset := make(map[string]string, len(balances))
	for asset, amount := range balances {
		perAsset[string(asset)] = amount.String()
		if price, err := s.oracle.Price(c.Context(), asset); err == nil {
			totalFiat = totalFiat.Add(amount.Mul(price))
		}
	}

	return c.JSON(fiber.Map{
		"player_id":  playerID,
		"balances":   perAsset,
		"total_fiat": totalFiat.StringFixed(2),
	})
}

func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	playerID := c.Params("id")

	page := ledger.Page{
		Number: c.QueryInt("page", 1),
		Size:   c.QueryInt("size", 20),
	}
	filter := ledger.HistoryFilter{}
	if kind := c.Query("kind"); kind != "" {
		filter.Kind = ledger.TransactionKind(kind)
	}

	result, err := s.ledger.History(c.Context(), playerID, filter, page)
	if err != nil {
		return notFound(c, "unknown player")
	}
	return c.JSON(result)
}

type fundsRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// deposit credits amount to playerID's asset balance and records the
// matching deposit transaction, so every balance increase this facade
// performs has a corresponding append-only log entry (invariant 4).
func (s *FiberServer) deposit(ctx context.Context, playerID string, asset ledger.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.ledger.Credit(ctx, playerID, asset, amount)
	if err != nil {
		return decimal.Zero, err
	}

	price, _ := s.oracle.Price(ctx, asset)
	if err := s.ledger.RecordTransaction(ctx, ledger.Transaction{
		PlayerID:    playerID,
		Kind:        ledger.KindDeposit,
		FiatAmount:  amount.Mul(price),
		AssetAmount: amount,
		Asset:       asset,
		PriceAtTime: price,
	}); err != nil {
		log.Printf("[SERVER] FATAL: failed to record deposit transaction for player %s: %v", playerID, err)
	}

	return balance, nil
}

func (s *FiberServer) depositHandler(c *fiber.Ctx) error {
	playerID := c.Params("id")

	var req fundsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	asset := ledger.Asset(req.Asset)
	if !ledger.IsSupported(asset) {
		return badRequest(c, "unsupported asset")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return badRequest(c, "amount must be a positive decimal")
	}

	if _, err := s.ledger.GetPlayer(c.Context(), playerID); err != nil {
		return notFound(c, "unknown player")
	}

	balance, err := s.deposit(c.Context(), playerID, asset, amount)
	if err != nil {
		return internalError(c, "deposit failed")
	}

	return c.JSON(fiber.Map{"player_id": playerID, "asset": asset, "balance": balance.String()})
}

func (s *FiberServer) withdrawHandler(c *fiber.Ctx) error {
	playerID := c.Params("id")

	var req fundsRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	asset := ledger.Asset(req.Asset)
	if !ledger.IsSupported(asset) {
		return badRequest(c, "unsupported asset")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return badRequest(c, "amount must be a positive decimal")
	}

	if _, err := s.ledger.GetPlayer(c.Context(), playerID); err != nil {
		return notFound(c, "unknown player")
	}

	balance, err := s.ledger.Debit(c.Context(), playerID, asset, amount)
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return badRequest(c, "insufficient balance")
	}
	if err != nil {
		return internalError(c, "withdrawal failed")
	}

	price, _ := s.oracle.Price(c.Context(), asset)
	if err := s.ledger.RecordTransaction(c.Context(), ledger.Transaction{
		PlayerID:    playerID,
		Kind:        ledger.KindWithdrawal,
		FiatAmount:  amount.Mul(price),
		AssetAmount: amount,
		Asset:       asset,
		PriceAtTime: price,
	}); err != nil {
		log.Printf("[SERVER] FATAL: failed to record withdrawal transaction for player %s: %v", playerID, err)
	}

	return c.JSON(fiber.Map{"player_id": playerID, "asset": asset, "balance": balance.String()})
}

type placeWagerRequest struct {
	PlayerID  string `json:"player_id"`
	StakeFiat string `json:"stake_fiat"`
	Asset     string `json:"asset"`
}

func (s *FiberServer) placeWagerHandler(c *fiber.Ctx) error {
	var req placeWagerRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	stake, err := decimal.NewFromString(req.StakeFiat)
	if err != nil {
		return badRequest(c, "malformed stake_fiat")
	}

	w, err := s.engine.PlaceWager(c.Context(), req.PlayerID, stake, ledger.Asset(req.Asset))
	switch {
	case err == nil:
		return c.Status(fiber.StatusCreated).JSON(w)
	case errors.Is(err, game.ErrBettingClosed), errors.Is(err, game.ErrDuplicateWager),
		errors.Is(err, game.ErrUnsupportedAsset), errors.Is(err, game.ErrInvalidStake):
		return badRequest(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrPlayerNotFound):
		return badRequest(c, err.Error())
	default:
		return internalError(c, "failed to place wager")
	}
}

type cashOutRequest struct {
	PlayerID string `json:"player_id"`
}

func (s *FiberServer) cashOutHandler(c *fiber.Ctx) error {
	var req cashOutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	multiplier, payoutFiat, payoutAsset, err := s.engine.CashOut(c.Context(), req.PlayerID)
	switch {
	case err == nil:
		return c.JSON(fiber.Map{
			"multiplier":    multiplier.StringFixed(2),
			"payout_fiat":   payoutFiat.StringFixed(2),
			"payout_asset":  payoutAsset.String(),
		})
	case errors.Is(err, game.ErrRoundNotLive), errors.Is(err, game.ErrNoOpenWager):
		return badRequest(c, err.Error())
	default:
		return internalError(c, "cash out failed")
	}
}

func (s *FiberServer) currentRoundHandler(c *fiber.Ctx) error {
	return c.JSON(s.engine.Snapshot())
}

func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	store := s.engine.Store()
	if store == nil {
		return internalError(c, "round history unavailable")
	}

	page := c.QueryInt("page", 1)
	size := c.QueryInt("size", 20)

	rounds, total, err := store.ListRounds(c.Context(), page, size)
	if err != nil {
		return internalError(c, "failed to list rounds")
	}
	return c.JSON(fiber.Map{"rounds": rounds, "total": total, "page": page, "size": size})
}

func (s *FiberServer) roundDetailsHandler(c *fiber.Ctx) error {
	store := s.engine.Store()
	if store == nil {
		return internalError(c, "round details unavailable")
	}

	round, err := store.GetRound(c.Context(), c.Params("id"))
	if errors.Is(err, game.ErrRoundNotFound) {
		return notFound(c, "unknown round")
	}
	if err != nil {
		return internalError(c, "failed to load round")
	}
	return c.JSON(round)
}

type verifyRoundRequest struct {
	Seed         string  `json:"seed"`
	ClaimedCrash float64 `json:"claimed_crash"`
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	var req verifyRoundRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ok, recomputed, err := s.engine.VerifyRound(c.Context(), c.Params("id"), req.Seed, req.ClaimedCrash)
	if errors.Is(err, game.ErrRoundNotFound) {
		return notFound(c, "unknown round")
	}
	if err != nil {
		return internalError(c, "failed to verify round")
	}
	return c.JSON(fiber.Map{"valid": ok, "recomputed_crash_point": recomputed})
}

func (s *FiberServer) pricesHandler(c *fiber.Ctx) error {
	prices, err := s.oracle.Prices(c.Context(), ledger.SupportedAssets())
	if err != nil {
		return internalError(c, "failed to fetch prices")
	}
	out := make(map[string]string, len(prices))
	for asset, price := range prices {
		out[string(asset)] = price.String()
	}
	return c.JSON(out)
}

type convertRequest struct {
	Amount    string `json:"amount"`
	Direction string `json:"direction"` // "fiat_to_asset" or "asset_to_fiat"
	Asset     string `json:"asset"`
}

func (s *FiberServer) convertHandler(c *fiber.Ctx) error {
	var req convertRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	asset := ledger.Asset(req.Asset)
	if !ledger.IsSupported(asset) {
		return badRequest(c, "unsupported asset")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return badRequest(c, "amount must be a positive decimal")
	}

	price, err := s.oracle.Price(c.Context(), asset)
	if err != nil {
		return internalError(c, "failed to resolve price")
	}

	var result decimal.Decimal
	switch req.Direction {
	case "fiat_to_asset":
		result = amount.Div(price)
	case "asset_to_fiat":
		result = amount.Mul(price)
	default:
		return badRequest(c, "direction must be fiat_to_asset or asset_to_fiat")
	}

	return c.JSON(fiber.Map{"result": result.String(), "price_used": price.String()})
}
