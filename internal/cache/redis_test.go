package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
	"crashpool/internal/game"
)

var redisAddr string

func mustStartRedisContainer() (func(context.Context, ...testcontainers.TerminateOption) error, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(context.Background())
	if err != nil {
		return container.Terminate, err
	}
	port, err := container.MappedPort(context.Background(), "6379/tcp")
	if err != nil {
		return container.Terminate, err
	}
	redisAddr = host + ":" + port.Port()
	return container.Terminate, nil
}

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	teardown, err := mustStartRedisContainer()
	if err != nil {
		os.Exit(0)
	}

	code := m.Run()

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

func newService(t *testing.T, db int) Service {
	t.Helper()
	srv, err := New(Options{Addr: redisAddr, DB: db}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	require.NoError(t, srv.GetClient().FlushDB(context.Background()).Err())
	return srv
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newService(t, 0)
	stats := srv.Health()
	assert.Equal(t, "up", stats["status"])
	assert.Equal(t, "Redis is healthy", stats["message"])
	assert.NotContains(t, stats, "error")
}

func TestRedisWallet_DebitCredit(t *testing.T) {
	ctx := context.Background()
	w := NewRedisWallet(newService(t, 1).GetClient())

	require.NoError(t, w.Deposit(ctx, "alice", game.AssetChips, 1000))
	assert.ErrorIs(t, w.Debit(ctx, "alice", game.AssetChips, 1001), game.ErrInsufficientBalance)
	assert.ErrorIs(t, w.Debit(ctx, "bob", game.AssetChips, 1), game.ErrInsufficientBalance)
	require.NoError(t, w.Debit(ctx, "alice", game.AssetChips, 400))

	bal, err := w.Balance(ctx, "alice", game.AssetChips)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(600), bal)

	lp, err := w.Balance(ctx, "alice", game.AssetLP)
	require.NoError(t, err)
	assert.Zero(t, lp)

	assert.ErrorIs(t, w.Debit(ctx, "alice", game.AssetChips, ^fixedpoint.Amount(0)), fixedpoint.ErrArithmeticOverflow)
}

func TestRedisWallet_CreditBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	client := newService(t, 2).GetClient()
	w := NewRedisWallet(client)

	require.NoError(t, client.Set(ctx, balanceKey("whale", game.AssetChips), "9223372036854775800", 0).Err())
	err := w.Credit(ctx, []game.Transfer{
		{Account: "alice", Asset: game.AssetChips, Amount: 50},
		{Account: "whale", Asset: game.AssetChips, Amount: 100},
	})
	assert.ErrorIs(t, err, fixedpoint.ErrArithmeticOverflow)

	bal, err := w.Balance(ctx, "alice", game.AssetChips)
	require.NoError(t, err)
	assert.Zero(t, bal, "earlier transfer of a failed batch is reverted")
}

func TestRedisWallet_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	w := NewRedisWallet(newService(t, 3).GetClient())
	require.NoError(t, w.Deposit(ctx, "alice", game.AssetChips, 100))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Debit(ctx, "alice", game.AssetChips, 10) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	bal, err := w.Balance(ctx, "alice", game.AssetChips)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

// The engine settles against Redis exactly as it does against memory.
func TestRedisWallet_WithEngine(t *testing.T) {
	ctx := context.Background()
	w := NewRedisWallet(newService(t, 4).GetClient())
	require.NoError(t, w.Deposit(ctx, "alice", game.AssetChips, 5000))

	e, err := game.NewEngine(game.CasinoConfig{Admin: "admin", Operator: "op"}, w, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.Initialize("admin", 100, 100, 10_000))

	seed := make(fairness.Seed, fairness.SEED_SIZE)
	v, err := e.OpenRound("op", fairness.Commit(seed, 1))
	require.NoError(t, err)
	_, err = e.PlaceBet(ctx, v.ID, "alice", 1000, fixedpoint.None())
	require.NoError(t, err)
	_, err = e.CloseBetting("op", v.ID)
	require.NoError(t, err)
	res, err := e.ResolveRound(ctx, "op", v.ID, seed)
	require.NoError(t, err)
	require.NotNil(t, res.Settlement)

	bal, err := w.Balance(ctx, "alice", game.AssetChips)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Amount(4000), bal, "no cashout loses the stake")
}
