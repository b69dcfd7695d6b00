package pools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcover/internal/amount"
	"github.com/mbd888/agentcover/internal/events"
)

var (
	admin   = common.HexToAddress("0xA0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0A0")
	custody = common.HexToAddress("0xC0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0C0")
	alice   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeIdentity struct {
	mu     sync.Mutex
	owners map[uint64]common.Address
	err    error
}

func (f *fakeIdentity) OwnerOf(_ context.Context, tokenID uint64) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return common.Address{}, f.err
	}
	return f.owners[tokenID], nil
}

type transfer struct {
	from, to common.Address
	amount   *big.Int
}

type fakeToken struct {
	mu        sync.Mutex
	transfers []transfer
	failPull  error
	failPay   error
	// unconfirmed records the transfer, then reports it as not confirmed.
	unconfirmed bool
	onCall      func(ctx context.Context)
}

var errReceiptTimeout = fmt.Errorf("%w: chain: operation timed out: waiting for tx 0xfeed", ErrTransferUnconfirmed)

func (f *fakeToken) TransferFrom(ctx context.Context, from, to common.Address, amt *big.Int) error {
	if f.onCall != nil {
		f.onCall(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPull != nil {
		return f.failPull
	}
	f.transfers = append(f.transfers, transfer{from, to, new(big.Int).Set(amt)})
	if f.unconfirmed {
		return errReceiptTimeout
	}
	return nil
}

func (f *fakeToken) Transfer(ctx context.Context, to common.Address, amt *big.Int) error {
	if f.onCall != nil {
		f.onCall(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPay != nil {
		return f.failPay
	}
	f.transfers = append(f.transfers, transfer{custody, to, new(big.Int).Set(amt)})
	if f.unconfirmed {
		return errReceiptTimeout
	}
	return nil
}

func (f *fakeToken) paidTo(to common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := new(big.Int)
	for _, tr := range f.transfers {
		if tr.from == custody && tr.to == to {
			sum.Add(sum, tr.amount)
		}
	}
	return sum
}

func (f *fakeToken) last() transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers[len(f.transfers)-1]
}

type recordingEvents struct {
	mu    sync.Mutex
	types []events.Type
}

func (r *recordingEvents) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.types = append(r.types, e.Type)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	identity *fakeIdentity
	token    *fakeToken
	events   *recordingEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	identity := &fakeIdentity{owners: map[uint64]common.Address{1: alice, 2: bob, 3: carol}}
	f := &fixture{
		store:    NewMemoryStore(),
		identity: identity,
		token:    &fakeToken{},
		events:   &recordingEvents{},
	}
	f.svc = NewService(f.store, f.identity, f.token, custody, []common.Address{admin}, nil).
		WithEvents(f.events).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return f
}

func (f *fixture) pool(t *testing.T, bps int) *Pool {
	t.Helper()
	p, err := f.svc.CreatePool(context.Background(), admin, "Test Pool", bps, 20)
	require.NoError(t, err)
	return p
}

func TestCreatePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1, err := f.svc.CreatePool(ctx, admin, "Test Pool", 100, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p1.ID)
	assert.True(t, p1.Active)
	assert.Equal(t, 0, p1.TotalStaked.Sign())
	assert.False(t, p1.CreatedAt.IsZero())

	p2, err := f.svc.CreatePool(ctx, admin, "Second", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p2.ID, "ids are monotonic")

	_, err = f.svc.CreatePool(ctx, admin, "Max", MaxPremiumRateBPS, MaxRiskLevel)
	assert.NoError(t, err)
}

func TestCreatePool_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		caller common.Address
		pool   string
		bps    int
		risk   int
		want   error
	}{
		{"not admin", alice, "Test Pool", 100, 20, ErrNotAdmin},
		{"rate too high", admin, "Test Pool", 10001, 20, ErrInvalidPremiumRate},
		{"negative rate", admin, "Test Pool", -1, 20, ErrInvalidPremiumRate},
		{"risk too high", admin, "Test Pool", 100, 101, ErrInvalidRiskLevel},
		{"blank name", admin, "   ", 100, 20, ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePool(ctx, tt.caller, tt.pool, tt.bps, tt.risk)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	pools, err := f.svc.ListPools(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pools, "rejected creates must not consume ids or rows")
}

func TestJoinPool_DebitsStakePlusPremium(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	stake := amount.Units(10_000)
	p, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, stake)
	require.NoError(t, err)

	assert.Equal(t, 0, p.PremiumPaid.Cmp(amount.Units(100)))
	assert.Equal(t, 0, p.CoverageAmount.Cmp(stake))

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Cmp(amount.Units(10_000)))
	assert.Equal(t, 0, got.TotalCoverage.Cmp(amount.Units(10_000)))
	assert.Equal(t, 0, got.PremiumsCollected.Cmp(amount.Units(100)))

	tr := f.token.last()
	assert.Equal(t, alice, tr.from)
	assert.Equal(t, custody, tr.to)
	assert.Equal(t, 0, tr.amount.Cmp(amount.Units(10_100)))

	count, err := f.svc.GetParticipantCount(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLeavePool_RefundsExactlyStake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(10_000))
	require.NoError(t, err)

	refund, err := f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, refund.Cmp(amount.Units(10_000)))

	tr := f.token.last()
	assert.Equal(t, alice, tr.to)
	assert.Equal(t, 0, tr.amount.Cmp(amount.Units(10_000)))

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Sign())
	assert.Equal(t, 0, got.TotalCoverage.Sign())
	assert.Equal(t, 0, got.PremiumsCollected.Cmp(amount.Units(100)), "premium is never refunded")

	_, err = f.svc.GetParticipant(ctx, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestJoinPool_DebitFormulaAcrossRates(t *testing.T) {
	stakes := []*big.Int{big.NewInt(1), big.NewInt(9_999), amount.Units(1), big.NewInt(123_456_789)}
	for _, bps := range []int{0, 1, 33, 100, 2500, 9999, 10000} {
		for _, stake := range stakes {
			f := newFixture(t)
			pool := f.pool(t, bps)
			_, err := f.svc.JoinPool(context.Background(), alice, pool.ID, 1, stake)
			require.NoError(t, err)

			premium := new(big.Int).Div(new(big.Int).Mul(stake, big.NewInt(int64(bps))), big.NewInt(10000))
			want := new(big.Int).Add(stake, premium)
			assert.Equal(t, 0, f.token.last().amount.Cmp(want), "bps=%d stake=%s", bps, stake)

			refund, err := f.svc.LeavePool(context.Background(), alice, pool.ID, 1)
			require.NoError(t, err)
			assert.Equal(t, 0, refund.Cmp(stake))
		}
	}
}

func TestJoinPool_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.JoinPool(ctx, alice, 99, 1, amount.Units(1))
	assert.ErrorIs(t, err, ErrPoolNotFound)

	_, err = f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(1))
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(1))
	assert.ErrorIs(t, err, ErrAlreadyParticipant)

	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.JoinPool(ctx, alice, pool.ID, 2, amount.Units(1))
	assert.ErrorIs(t, err, ErrNotTokenOwner, "alice does not own token 2")

	_, err = f.svc.JoinPool(ctx, alice, pool.ID, 404, amount.Units(1))
	assert.ErrorIs(t, err, ErrNotTokenOwner, "unminted token has zero owner")

	_, err = f.svc.SetPoolActive(ctx, admin, pool.ID, false)
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(1))
	assert.ErrorIs(t, err, ErrPoolNotActive)
}

func TestJoinPool_IdentityFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	pool := f.pool(t, 100)
	rpcErr := errors.New("rpc: connection refused")
	f.identity.err = rpcErr

	_, err := f.svc.JoinPool(context.Background(), alice, pool.ID, 1, amount.Units(1))
	assert.ErrorIs(t, err, rpcErr)
	assert.NotErrorIs(t, err, ErrNotTokenOwner)
}

func TestLeavePool_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.LeavePool(ctx, alice, 99, 1)
	assert.ErrorIs(t, err, ErrPoolNotFound)

	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(5))
	require.NoError(t, err)
	_, err = f.svc.LeavePool(ctx, bob, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNotTokenOwner)
}

func TestJoinPool_TransferFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(1_000))
	require.NoError(t, err)

	insufficient := errors.New("ERC20: insufficient allowance")
	f.token.failPull = insufficient
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(1_000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, insufficient, "the token's own error is preserved")

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Cmp(amount.Units(1_000)))
	assert.Equal(t, 0, got.PremiumsCollected.Cmp(amount.Units(10)))

	_, err = f.svc.GetParticipant(ctx, pool.ID, 2)
	assert.ErrorIs(t, err, ErrNotParticipant)

	acc, err := f.svc.GetAccrual(ctx, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, acc.Amount.Sign(), "credits from the failed join are reverted")
}

func TestLeavePool_TransferFailureRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 0)

	for tok, owner := range map[uint64]common.Address{1: alice, 2: bob, 3: carol} {
		_, err := f.svc.JoinPool(ctx, owner, pool.ID, tok, amount.Units(10))
		require.NoError(t, err)
	}

	f.token.failPay = errors.New("custody paused")
	_, err := f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.ErrorIs(t, err, ErrTransferFailed)

	p, err := f.svc.GetParticipant(ctx, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.StakeAmount.Cmp(amount.Units(10)))

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Cmp(amount.Units(30)))
}

func TestLeavePool_UnconfirmedRefundIsNotRestored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 0)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(10))
	require.NoError(t, err)

	f.token.unconfirmed = true
	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.ErrorIs(t, err, ErrTransferUnconfirmed)
	assert.NotErrorIs(t, err, ErrTransferFailed)

	// The refund may still land, so a second leave must not pay again.
	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Equal(t, 0, f.token.paidTo(alice).Cmp(amount.Units(10)))

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Sign())
}

func TestJoinPool_UnconfirmedPullKeepsParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	f.token.unconfirmed = true
	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(1_000))
	require.ErrorIs(t, err, ErrTransferUnconfirmed)

	p, err := f.svc.GetParticipant(ctx, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.StakeAmount.Cmp(amount.Units(1_000)))

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalStaked.Cmp(amount.Units(1_000)))
	assert.Equal(t, 0, got.PremiumsCollected.Cmp(amount.Units(10)))
}

func TestClaimAccrual_UnconfirmedPayoutStaysTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 1000)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(100))
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(100))
	require.NoError(t, err)

	f.token.unconfirmed = true
	_, err = f.svc.ClaimAccrual(ctx, alice, pool.ID, 1)
	require.ErrorIs(t, err, ErrTransferUnconfirmed)

	_, err = f.svc.ClaimAccrual(ctx, alice, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNothingAccrued)
	assert.Equal(t, 0, f.token.paidTo(alice).Cmp(amount.Units(10)))
}

func TestIDsBeyondBigintAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)
	huge := uint64(math.MaxInt64) + 1

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, huge, amount.Units(1))
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = f.svc.LeavePool(ctx, alice, huge, 1)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = f.svc.ClaimAccrual(ctx, alice, pool.ID, huge)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = f.svc.GetPool(ctx, huge)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = f.svc.SetPoolActive(ctx, admin, huge, false)
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.True(t, ValidID(math.MaxInt64))
	assert.Empty(t, f.token.transfers)
}

func TestJoinPool_PremiumAccruesProRata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 1000) // 10%

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(300))
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(100))
	require.NoError(t, err)

	// alice held the whole pool when bob joined: bob's 10 premium all accrues to alice.
	acc, err := f.svc.GetAccrual(ctx, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, acc.Amount.Cmp(amount.Units(10)))

	// carol's premium of 40 splits 300:100 → 30 / 10.
	_, err = f.svc.JoinPool(ctx, carol, pool.ID, 3, amount.Units(400))
	require.NoError(t, err)

	acc1, _ := f.svc.GetAccrual(ctx, pool.ID, 1)
	acc2, _ := f.svc.GetAccrual(ctx, pool.ID, 2)
	acc3, _ := f.svc.GetAccrual(ctx, pool.ID, 3)
	assert.Equal(t, 0, acc1.Amount.Cmp(amount.Units(40)))
	assert.Equal(t, 0, acc2.Amount.Cmp(amount.Units(10)))
	assert.Equal(t, 0, acc3.Amount.Sign(), "joiner does not accrue its own premium")

	sum := new(big.Int).Add(acc1.Amount, acc2.Amount)
	got, _ := f.svc.GetPool(ctx, pool.ID)
	assert.True(t, sum.Cmp(got.PremiumsCollected) <= 0, "accruals never exceed collected premiums")
}

func TestDistributePremium_FloorsAndDropsDust(t *testing.T) {
	now := time.Now()
	existing := []*Participant{
		{PoolID: 1, TokenID: 1, StakeAmount: big.NewInt(1)},
		{PoolID: 1, TokenID: 2, StakeAmount: big.NewInt(1)},
		{PoolID: 1, TokenID: 3, StakeAmount: big.NewInt(1)},
	}
	credits := DistributePremium(big.NewInt(10), big.NewInt(3), existing, now)
	require.Len(t, credits, 3)
	total := big.NewInt(0)
	for _, c := range credits {
		assert.Equal(t, 0, c.Amount.Cmp(big.NewInt(3)))
		total.Add(total, c.Amount)
	}
	assert.Equal(t, int64(9), total.Int64(), "one unit of dust stays in the pool")

	assert.Empty(t, DistributePremium(big.NewInt(2), big.NewInt(3), existing, now), "zero shares are omitted")
	assert.Nil(t, DistributePremium(big.NewInt(10), big.NewInt(0), nil, now))
}

func TestClaimAccrual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 1000)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(100))
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(100))
	require.NoError(t, err)

	// Accrual survives leaving the pool.
	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.ClaimAccrual(ctx, bob, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNotTokenOwner)

	paid, err := f.svc.ClaimAccrual(ctx, alice, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, paid.Cmp(amount.Units(10)))
	assert.Equal(t, alice, f.token.last().to)

	_, err = f.svc.ClaimAccrual(ctx, alice, pool.ID, 1)
	assert.ErrorIs(t, err, ErrNothingAccrued)
}

func TestClaimAccrual_TransferFailureRestores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 1000)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(100))
	require.NoError(t, err)
	_, err = f.svc.JoinPool(ctx, bob, pool.ID, 2, amount.Units(100))
	require.NoError(t, err)

	f.token.failPay = errors.New("paused")
	_, err = f.svc.ClaimAccrual(ctx, alice, pool.ID, 1)
	require.ErrorIs(t, err, ErrTransferFailed)

	acc, err := f.svc.GetAccrual(ctx, pool.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, acc.Amount.Cmp(amount.Units(10)))
}

func TestReentrantCallIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	var reentryErr error
	f.token.onCall = func(ctx context.Context) {
		_, reentryErr = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	}

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(10))
	require.NoError(t, err)
	assert.ErrorIs(t, reentryErr, ErrReentrantCall)

	f.token.onCall = func(ctx context.Context) {
		_, reentryErr = f.svc.GetPool(ctx, pool.ID)
	}
	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, reentryErr, ErrReentrantCall)
}

func TestConcurrentJoinsKeepTotalsConsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 250)

	const n = 50
	for i := uint64(100); i < 100+n; i++ {
		f.identity.owners[i] = alice
	}

	var wg sync.WaitGroup
	for i := uint64(100); i < 100+n; i++ {
		wg.Add(1)
		go func(tok uint64) {
			defer wg.Done()
			_, err := f.svc.JoinPool(ctx, alice, pool.ID, tok, amount.Units(int64(tok)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := f.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	participants, err := f.svc.ListParticipants(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, participants, n)

	sum := big.NewInt(0)
	for _, p := range participants {
		sum.Add(sum, p.StakeAmount)
	}
	assert.Equal(t, 0, sum.Cmp(got.TotalStaked))
	assert.Equal(t, 0, got.TotalCoverage.Cmp(got.TotalStaked))
}

func TestSetPoolActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.SetPoolActive(ctx, alice, pool.ID, false)
	assert.ErrorIs(t, err, ErrNotAdmin)

	_, err = f.svc.SetPoolActive(ctx, admin, 42, false)
	assert.ErrorIs(t, err, ErrPoolNotFound)

	got, err := f.svc.SetPoolActive(ctx, admin, pool.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	got, err = f.svc.SetPoolActive(ctx, admin, pool.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestEventsEmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pool := f.pool(t, 100)

	_, err := f.svc.JoinPool(ctx, alice, pool.ID, 1, amount.Units(1))
	require.NoError(t, err)
	_, err = f.svc.LeavePool(ctx, alice, pool.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.PoolCreated, events.ParticipantJoined, events.ParticipantLeft}, f.events.types)
}
