package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/chain"
	"github.com/mbd888/agentcover/internal/pools"
)

var custody = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")

type fakeLedger struct {
	pools        []*pools.Pool
	participants map[uint64][]*pools.Participant
	err          error
}

func (f *fakeLedger) ListPools(_ context.Context, _ int) ([]*pools.Pool, error) {
	return f.pools, f.err
}

func (f *fakeLedger) Snapshot(_ context.Context, poolID uint64) (*pools.Pool, []*pools.Participant, error) {
	for _, p := range f.pools {
		if p.ID == poolID {
			return p, f.participants[poolID], nil
		}
	}
	return nil, nil, pools.ErrPoolNotFound
}

type fakeBalance struct {
	bal   *big.Int
	err   error
	reads int
	// onRead runs before each balance read.
	onRead func(read int)
}

func (f *fakeBalance) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	if addr != custody {
		return new(big.Int), nil
	}
	f.reads++
	if f.onRead != nil {
		f.onRead(f.reads)
	}
	return f.bal, f.err
}

func member(stake, cover int64) *pools.Participant {
	return &pools.Participant{StakeAmount: amount.Units(stake), CoverageAmount: amount.Units(cover)}
}

func balancedLedger() *fakeLedger {
	return &fakeLedger{
		pools: []*pools.Pool{
			{ID: 1, TotalStaked: amount.Units(150), TotalCoverage: amount.Units(120)},
			{ID: 2, TotalStaked: amount.Units(0), TotalCoverage: amount.Units(0)},
		},
		participants: map[uint64][]*pools.Participant{
			1: {member(100, 80), member(50, 40)},
		},
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRun_Balanced(t *testing.T) {
	svc := NewService(balancedLedger(), &fakeBalance{bal: amount.Units(151)}, custody)
	r, err := svc.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, r.PoolsChecked)
	assert.Empty(t, r.Mismatches)
	require.NotNil(t, r.Solvency)
	assert.True(t, r.Solvency.Solvent)
	assert.Equal(t, "150.000000", r.Solvency.TotalStaked)
	assert.Equal(t, "0.000000", r.Solvency.Shortfall)
	assert.True(t, r.Healthy())
}

func TestRun_PoolMismatch(t *testing.T) {
	ledger := balancedLedger()
	ledger.pools[0].TotalStaked = amount.Units(160)

	r, err := NewService(ledger, nil, custody).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 1)
	m := r.Mismatches[0]
	assert.Equal(t, uint64(1), m.PoolID)
	assert.Equal(t, "160.000000", m.TotalStaked)
	assert.Equal(t, "150.000000", m.ParticipantStake)
	assert.Nil(t, r.Solvency)
	assert.False(t, r.Healthy())
}

func TestRun_CoverageMismatch(t *testing.T) {
	ledger := balancedLedger()
	ledger.participants[1] = []*pools.Participant{member(100, 80), member(50, 10)}

	r, err := NewService(ledger, nil, custody).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Mismatches, 1)
	assert.Equal(t, "90.000000", r.Mismatches[0].ParticipantCover)
}

func TestRun_Shortfall(t *testing.T) {
	svc := NewService(balancedLedger(), &fakeBalance{bal: amount.Units(100)}, custody)
	r, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, r.Solvency)
	assert.False(t, r.Solvency.Solvent)
	assert.Equal(t, "50.000000", r.Solvency.Shortfall)
	assert.False(t, r.Healthy())
}

func TestRun_ShortfallIsConfirmedBeforeReporting(t *testing.T) {
	ledger := balancedLedger()
	bal := &fakeBalance{bal: amount.Units(100)}
	// A 50 leave settled after the pools were read: the ledger catches up
	// before the second pass.
	bal.onRead = func(read int) {
		if read == 1 {
			ledger.pools[0].TotalStaked = amount.Units(100)
			ledger.pools[0].TotalCoverage = amount.Units(80)
			ledger.participants[1] = []*pools.Participant{member(100, 80)}
		}
	}

	r, err := NewService(ledger, bal, custody).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, bal.reads)
	assert.True(t, r.Healthy())
	assert.Equal(t, "100.000000", r.Solvency.TotalStaked)
}

func TestRun_PersistentShortfallReadsTwice(t *testing.T) {
	bal := &fakeBalance{bal: amount.Units(100)}
	r, err := NewService(balancedLedger(), bal, custody).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, bal.reads)
	assert.False(t, r.Solvency.Solvent)

	solvent := &fakeBalance{bal: amount.Units(500)}
	_, err = NewService(balancedLedger(), solvent, custody).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, solvent.reads)
}

// gatedToken holds a join's stake pull open until released.
type gatedToken struct {
	*chain.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedToken) TransferFrom(ctx context.Context, from, to common.Address, amt *big.Int) error {
	close(g.entered)
	<-g.release
	return g.Memory.TransferFrom(ctx, from, to, amt)
}

func TestRun_WaitsForInFlightJoin(t *testing.T) {
	ctx := context.Background()
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	alice := common.HexToAddress("0x00000000000000000000000000000000000a11ce")

	mem := chain.NewMemory(custody)
	mem.Mint(1, alice)
	mem.Fund(alice, amount.Units(1_000))
	token := &gatedToken{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	ledger := pools.NewService(pools.NewMemoryStore(), mem, token, custody, []common.Address{admin}, discard())
	pool, err := ledger.CreatePool(ctx, admin, "Gated", 100, 10)
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() {
		_, err := ledger.JoinPool(ctx, alice, pool.ID, 1, amount.Units(500))
		joined <- err
	}()
	<-token.entered

	reports := make(chan *Report, 1)
	go func() {
		r, err := NewService(ledger, mem, custody).Run(ctx)
		assert.NoError(t, err)
		reports <- r
	}()

	select {
	case <-reports:
		t.Fatal("run read the pool while a join was still pulling its stake")
	case <-time.After(20 * time.Millisecond):
	}

	close(token.release)
	require.NoError(t, <-joined)
	r := <-reports
	require.NotNil(t, r)
	assert.True(t, r.Healthy())
	assert.Equal(t, "500.000000", r.Solvency.TotalStaked)
	assert.Equal(t, "505.000000", r.Solvency.CustodyBalance)
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("boom")

	_, err := NewService(&fakeLedger{err: boom}, nil, custody).Run(context.Background())
	assert.ErrorIs(t, err, boom)

	_, err = NewService(balancedLedger(), &fakeBalance{err: boom}, custody).Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestTimer_RunOnceKeepsLastReport(t *testing.T) {
	timer := NewTimer(NewService(balancedLedger(), &fakeBalance{bal: amount.Units(10)}, custody), 0, discard())
	assert.Nil(t, timer.Last())

	r, err := timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Same(t, r, timer.Last())
	assert.False(t, timer.Last().Healthy())
}

func TestTimer_FailedRunKeepsPreviousReport(t *testing.T) {
	ledger := balancedLedger()
	timer := NewTimer(NewService(ledger, nil, custody), 0, discard())
	first, err := timer.RunOnce(context.Background())
	require.NoError(t, err)

	ledger.err = errors.New("db down")
	_, err = timer.RunOnce(context.Background())
	require.Error(t, err)
	assert.Same(t, first, timer.Last())
}

func TestTimer_StopsOnCancel(t *testing.T) {
	timer := NewTimer(NewService(balancedLedger(), nil, custody), 0, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()
	<-done
	assert.False(t, timer.Running())
	assert.NotNil(t, timer.Last())
}
