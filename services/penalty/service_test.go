package penalty

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stakeengine/pkg/config"
	"stakeengine/pkg/errutil"
	"stakeengine/services/escrow"
	"stakeengine/services/notification"
	"stakeengine/services/payment"
	"stakeengine/services/stake"
	"stakeengine/services/testutil"
	"stakeengine/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type testEnv struct {
	svc    *Service
	stake  *stake.Service
	escrow *escrow.Service
	wallet *wallet.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&wallet.Wallet{}, &wallet.WalletTransaction{},
		&escrow.EscrowTransaction{}, &payment.PaymentIntent{}, &payment.WebhookEvent{},
		&stake.Stake{}, &Penalty{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Policy: config.DefaultPolicy()}
	cfg.Provider.WebhookSecret = "test-secret"

	w := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	esc := escrow.NewService(escrow.ServiceParams{DB: db, Node: node, Config: cfg, Wallet: w})
	pay := payment.NewService(payment.ServiceParams{DB: db, Node: node, Config: cfg, Escrow: esc})
	notifier := notification.NewDispatcher(notification.DispatcherParams{})
	st := stake.NewService(stake.ServiceParams{
		DB: db, Node: node, Config: cfg,
		Escrow: esc, Wallet: w, Payment: pay, Notifier: notifier,
	})

	svc := NewService(ServiceParams{
		DB: db, Node: node, Config: cfg,
		Stake: st, Escrow: esc, Wallet: w, Notifier: notifier,
	})

	return &testEnv{svc: svc, stake: st, escrow: esc, wallet: w}
}

// newStake opens a stake; funded controls whether the escrow reaches HELD.
func (e *testEnv) newStake(t *testing.T, owner string, funded bool) *stake.CreateResult {
	t.Helper()
	ctx := context.Background()

	result, err := e.stake.CreateStake(ctx, stake.CreateParams{
		OwnerID: owner, Title: "ship the report", StakeType: stake.TypeSelf,
		Amount: 10000, Currency: "USD",
		Deadline: time.Now().UTC().Add(48 * time.Hour),
	})
	require.NoError(t, err)

	if funded {
		require.NoError(t, e.escrow.ConfirmHold(ctx, result.Escrow.ID, result.Intent.ProviderReference))
	}
	return result
}

func (e *testEnv) makeOverdue(t *testing.T, stakeID string) {
	t.Helper()
	require.NoError(t, e.svc.db.Model(&stake.Stake{}).
		Where("id = ?", stakeID).
		Update("deadline", time.Now().UTC().Add(-time.Hour)).Error)
}

func TestSweepPenalizesOverdueFundedStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", true)
	env.makeOverdue(t, result.Stake.ID)

	sweep, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Processed)
	require.Equal(t, 0, sweep.Failures)

	row, err := env.stake.GetStake(ctx, result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, stake.StatusPenalized, row.Status)
	require.NotNil(t, row.PenalizedAt)

	esc, err := env.escrow.Get(ctx, result.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusForfeited, esc.Status)
	require.Equal(t, int64(10000), esc.ForfeitedAmount)

	pen, err := env.svc.FindActivePenalty(ctx, env.svc.db, result.Stake.ID)
	require.NoError(t, err)
	require.NotNil(t, pen)
	require.Equal(t, int64(10000), pen.Amount)
	require.Equal(t, 100, pen.Percentage)

	w, err := env.wallet.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Balance)
	require.Equal(t, int64(10000), w.TotalLost)
	require.Equal(t, 0, w.CurrentStreak)

	ok, err := env.wallet.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", true)
	env.makeOverdue(t, result.Stake.ID)

	first, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Processed)

	second, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, second.Processed)
	require.Equal(t, 0, second.Expired)
	require.Equal(t, 0, second.Failures)

	// still exactly one penalty and one forfeiture entry
	var count int64
	require.NoError(t, env.svc.db.Model(&Penalty{}).Where("stake_id = ?", result.Stake.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)

	w, err := env.wallet.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), w.TotalLost)
}

func TestSweepExpiresUnfundedStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", false)
	env.makeOverdue(t, result.Stake.ID)

	sweep, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Expired)
	require.Equal(t, 0, sweep.Processed)

	row, err := env.stake.GetStake(ctx, result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, stake.StatusExpired, row.Status)

	pen, err := env.svc.FindActivePenalty(ctx, env.svc.db, result.Stake.ID)
	require.NoError(t, err)
	require.Nil(t, pen)
}

func TestSweepSkipsStakesStillOnTime(t *testing.T) {
	env := newTestEnv(t)
	env.newStake(t, "user-1", true)

	sweep, err := env.svc.ProcessOverdueStakes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, sweep.Processed)
	require.Equal(t, 0, sweep.Expired)
}

func TestSweepAdvancesPastFailingStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	broken := env.newStake(t, "user-1", true)
	healthy := env.newStake(t, "user-2", true)

	// the earlier deadline sorts the broken stake into the first batch
	require.NoError(t, env.svc.db.Model(&stake.Stake{}).
		Where("id = ?", broken.Stake.ID).
		Update("deadline", time.Now().UTC().Add(-2*time.Hour)).Error)
	env.makeOverdue(t, healthy.Stake.ID)

	// a missing escrow row makes its settlement fail every time
	require.NoError(t, env.svc.db.Delete(&escrow.EscrowTransaction{}, "id = ?", broken.Escrow.ID).Error)

	env.svc.policy.SweepBatchSize = 1

	sweep, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Failures)
	require.Equal(t, 1, sweep.Processed)

	row, err := env.stake.GetStake(ctx, healthy.Stake.ID, "user-2")
	require.NoError(t, err)
	require.Equal(t, stake.StatusPenalized, row.Status)
}

func TestPartialCompletionGradedBand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", true)

	// 60% done forfeits the remaining 40%
	pen, err := env.svc.ProcessPartialCompletion(ctx, result.Stake.ID, "user-1", 60, nil)
	require.NoError(t, err)
	require.Equal(t, 40, pen.Percentage)
	require.Equal(t, int64(4000), pen.Amount)

	row, err := env.stake.GetStake(ctx, result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, stake.StatusPartiallyPenalized, row.Status)

	esc, err := env.escrow.Get(ctx, result.Escrow.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4000), esc.ForfeitedAmount)
	require.Equal(t, int64(6000), esc.ReleasedAmount)

	w, err := env.wallet.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(6000), w.Balance)
	require.Equal(t, int64(4000), w.TotalLost)

	ok, err := env.wallet.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPartialCompletionBelowFloorForfeitsEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", true)

	pen, err := env.svc.ProcessPartialCompletion(ctx, result.Stake.ID, "user-1", 10, nil)
	require.NoError(t, err)
	require.Equal(t, 100, pen.Percentage)
	require.Equal(t, int64(10000), pen.Amount)

	row, err := env.stake.GetStake(ctx, result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, stake.StatusPenalized, row.Status)
}

func TestPartialCompletionRejectsFullPercent(t *testing.T) {
	env := newTestEnv(t)
	result := env.newStake(t, "user-1", true)

	_, err := env.svc.ProcessPartialCompletion(context.Background(), result.Stake.ID, "user-1", 100, nil)
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))

	_, err = env.svc.ProcessPartialCompletion(context.Background(), result.Stake.ID, "user-1", -5, nil)
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
}

func TestPartialCompletionRequiresFundedEscrow(t *testing.T) {
	env := newTestEnv(t)
	result := env.newStake(t, "user-1", false)

	_, err := env.svc.ProcessPartialCompletion(context.Background(), result.Stake.ID, "user-1", 60, nil)
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidTransition))
}

func TestReverse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1", true)
	env.makeOverdue(t, result.Stake.ID)

	_, err := env.svc.ProcessOverdueStakes(ctx)
	require.NoError(t, err)

	pen, err := env.svc.FindActivePenalty(ctx, env.svc.db, result.Stake.ID)
	require.NoError(t, err)
	require.NotNil(t, pen)

	require.NoError(t, env.svc.Reverse(ctx, env.svc.db, pen.ID))

	err = env.svc.Reverse(ctx, env.svc.db, pen.ID)
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusConflict))

	active, err := env.svc.FindActivePenalty(ctx, env.svc.db, result.Stake.ID)
	require.NoError(t, err)
	require.Nil(t, active)
}
