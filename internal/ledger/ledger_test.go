package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"crashgame/internal/config"
	"crashgame/internal/database"
)

var testCfg config.Config

func mustStartPostgresContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dbContainer, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("database"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, err
	}

	testCfg = config.Config{DBName: "database", DBPassword: "password", DBUser: "user", DBSchema: "public"}

	dbHost, err := dbContainer.Host(context.Background())
	if err != nil {
		return dbContainer.Terminate, err
	}
	dbPort, err := dbContainer.MappedPort(context.Background(), "5432/tcp")
	if err != nil {
		return dbContainer.Terminate, err
	}
	testCfg.DBHost = dbHost
	testCfg.DBPort = dbPort.Port()

	sqlDB, err := sql.Open("pgx", testCfg.DSN())
	if err != nil {
		return dbContainer.Terminate, err
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, "../../migrations"); err != nil {
		return dbContainer.Terminate, err
	}

	return dbContainer.Terminate, nil
}

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartPostgresContainer()
	if err != nil {
		os.Exit(0)
	}

	pool, err := pgxpool.New(context.Background(), testCfg.DSN())
	if err != nil {
		os.Exit(0)
	}
	testPool = pool

	code := m.Run()

	testPool.Close()
	if teardown != nil {
		teardown(context.Background())
	}
	os.Exit(code)
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

func newTestLedger(t *testing.T) *PostgresLedger {
	t.Helper()
	return NewPostgresLedger(testPool)
}

func uniquePlayerID(t *testing.T) string {
	t.Helper()
	return t.Name() + "-" + uuidSuffix()
}

func uuidSuffix() string {
	return time.Now().Format("150405.000000000")
}

func TestCreatePlayer_SeedsZeroBalances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id := uniquePlayerID(t)

	p, err := l.CreatePlayer(ctx, id, "player-"+id, nil)
	if err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if p.ID != id || !p.Active {
		t.Fatalf("unexpected player: %+v", p)
	}

	balances, err := l.Balances(ctx, id)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	for _, asset := range SupportedAssets() {
		if !balances[asset].IsZero() {
			t.Fatalf("expected zero balance for %s, got %s", asset, balances[asset])
		}
	}
}

func TestCreatePlayer_DuplicateID(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id := uniquePlayerID(t)

	if _, err := l.CreatePlayer(ctx, id, "name-"+id, nil); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}
	if _, err := l.CreatePlayer(ctx, id, "other-name-"+id, nil); err != ErrPlayerExists {
		t.Fatalf("expected ErrPlayerExists, got %v", err)
	}
}

func TestCreditAndDebit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id := uniquePlayerID(t)

	if _, err := l.CreatePlayer(ctx, id, "name-"+id, nil); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}

	bal, err := l.Credit(ctx, id, AssetBTC, decimal.NewFromFloat(0.5))
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !bal.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected balance 0.5, got %s", bal)
	}

	bal, err = l.Debit(ctx, id, AssetBTC, decimal.NewFromFloat(0.2))
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !bal.Equal(decimal.NewFromFloat(0.3)) {
		t.Fatalf("expected balance 0.3, got %s", bal)
	}

	if _, err := l.Debit(ctx, id, AssetBTC, decimal.NewFromFloat(10)); err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	srcID := uniquePlayerID(t) + "-src"
	dstID := uniquePlayerID(t) + "-dst"

	if _, err := l.CreatePlayer(ctx, srcID, "name-"+srcID, nil); err != nil {
		t.Fatalf("CreatePlayer src: %v", err)
	}
	if _, err := l.CreatePlayer(ctx, dstID, "name-"+dstID, nil); err != nil {
		t.Fatalf("CreatePlayer dst: %v", err)
	}
	if _, err := l.Credit(ctx, srcID, AssetETH, decimal.NewFromFloat(2)); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if err := l.Transfer(ctx, srcID, dstID, AssetETH, decimal.NewFromFloat(1.5)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	srcBal, _ := l.Balances(ctx, srcID)
	dstBal, _ := l.Balances(ctx, dstID)
	if !srcBal[AssetETH].Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected src balance 0.5, got %s", srcBal[AssetETH])
	}
	if !dstBal[AssetETH].Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("expected dst balance 1.5, got %s", dstBal[AssetETH])
	}
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	srcID := uniquePlayerID(t) + "-src"
	dstID := uniquePlayerID(t) + "-dst"

	if _, err := l.CreatePlayer(ctx, srcID, "name-"+srcID, nil); err != nil {
		t.Fatalf("CreatePlayer src: %v", err)
	}
	if _, err := l.CreatePlayer(ctx, dstID, "name-"+dstID, nil); err != nil {
		t.Fatalf("CreatePlayer dst: %v", err)
	}

	err := l.Transfer(ctx, srcID, dstID, AssetBTC, decimal.NewFromFloat(1))
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestRecordTransactionAndHistory(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id := uniquePlayerID(t)

	if _, err := l.CreatePlayer(ctx, id, "name-"+id, nil); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}

	for i := 0; i < 3; i++ {
		tx := Transaction{
			PlayerID:    id,
			Kind:        KindDeposit,
			FiatAmount:  decimal.NewFromInt(10),
			AssetAmount: decimal.NewFromFloat(0.001),
			Asset:       AssetBTC,
			PriceAtTime: decimal.NewFromInt(10000),
		}
		if err := l.RecordTransaction(ctx, tx); err != nil {
			t.Fatalf("RecordTransaction: %v", err)
		}
	}

	page, err := l.History(ctx, id, HistoryFilter{}, Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected total 3, got %d", page.Total)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items on page 1, got %d", len(page.Items))
	}
}

func TestIncrementCounters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	id := uniquePlayerID(t)

	if _, err := l.CreatePlayer(ctx, id, "name-"+id, nil); err != nil {
		t.Fatalf("CreatePlayer: %v", err)
	}

	if err := l.IncrementWagerCount(ctx, id); err != nil {
		t.Fatalf("IncrementWagerCount: %v", err)
	}
	if err := l.IncrementWins(ctx, id); err != nil {
		t.Fatalf("IncrementWins: %v", err)
	}
	if err := l.IncrementLosses(ctx, id); err != nil {
		t.Fatalf("IncrementLosses: %v", err)
	}

	p, err := l.GetPlayer(ctx, id)
	if err != nil {
		t.Fatalf("GetPlayer: %v", err)
	}
	if p.WagersPlaced != 1 || p.Wins != 1 || p.Losses != 1 {
		t.Fatalf("unexpected counters: %+v", p)
	}
}

func TestGetPlayer_NotFound(t *testing.T) {
	l := newTestLedger(t)
	if _, err := l.GetPlayer(context.Background(), "does-not-exist"); err != ErrPlayerNotFound {
		t.Fatalf("expected ErrPlayerNotFound, got %v", err)
	}
}
