package recovery

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
	"stakeengine/services/penalty"
	"stakeengine/services/stake"
	"stakeengine/services/testutil"
	"stakeengine/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type testEnv struct {
	svc     *Service
	stake   *stake.Service
	penalty *penalty.Service
	escrow  *escrow.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := testutil.NewTestDB(t,
		&wallet.Wallet{}, &wallet.WalletTransaction{},
		&escrow.EscrowTransaction{}, &payment.PaymentIntent{}, &payment.WebhookEvent{},
		&stake.Stake{}, &penalty.Penalty{},
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
	pen := penalty.NewService(penalty.ServiceParams{
		DB: db, Node: node, Config: cfg,
		Stake: st, Escrow: esc, Wallet: w, Notifier: notifier,
	})

	svc := NewService(ServiceParams{DB: db, Stake: st, Penalty: pen})

	return &testEnv{svc: svc, stake: st, penalty: pen, escrow: esc}
}

func (e *testEnv) newStake(t *testing.T, owner string) *stake.CreateResult {
	t.Helper()
	ctx := context.Background()

	result, err := e.stake.CreateStake(ctx, stake.CreateParams{
		OwnerID: owner, Title: "ship the report", StakeType: stake.TypeSelf,
		Amount: 10000, Currency: "USD",
		Deadline: time.Now().UTC().Add(48 * time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, e.escrow.ConfirmHold(ctx, result.Escrow.ID, result.Intent.ProviderReference))
	return result
}

func (e *testEnv) penalize(t *testing.T, stakeID string) {
	t.Helper()
	require.NoError(t, e.svc.db.Model(&stake.Stake{}).
		Where("id = ?", stakeID).
		Update("deadline", time.Now().UTC().Add(-time.Hour)).Error)

	sweep, err := e.penalty.ProcessOverdueStakes(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Processed)
}

func recoveryParams(originalID string) CreateParams {
	return CreateParams{
		OriginalStakeID: originalID,
		OwnerID:         "user-1",
		Title:           "win it back",
		StakeType:       stake.TypeSelf,
		Amount:          10000,
		Currency:        "USD",
		Deadline:        time.Now().UTC().Add(48 * time.Hour),
	}
}

func TestIsEligibleRejectsActiveStake(t *testing.T) {
	env := newTestEnv(t)
	result := env.newStake(t, "user-1")

	out, err := env.svc.IsEligible(context.Background(), result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.False(t, out.Eligible)
	require.Contains(t, out.Reasons, ReasonNotPenalized)

	_, err = env.svc.CreateRecoveryStake(context.Background(), recoveryParams(result.Stake.ID))
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidTransition))
}

func TestIsEligibleAfterPenalty(t *testing.T) {
	env := newTestEnv(t)
	result := env.newStake(t, "user-1")
	env.penalize(t, result.Stake.ID)

	out, err := env.svc.IsEligible(context.Background(), result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.True(t, out.Eligible)
	require.Equal(t, int64(10000), out.RecoveryTarget)
}

func TestCreateRecoveryStakeLinksOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1")
	env.penalize(t, result.Stake.ID)

	recovery, err := env.svc.CreateRecoveryStake(ctx, recoveryParams(result.Stake.ID))
	require.NoError(t, err)
	require.Equal(t, result.Stake.ID, recovery.Stake.OriginalStakeID)
	require.Equal(t, int64(10000), recovery.Stake.RecoveryTarget)
	require.Equal(t, stake.StatusActive, recovery.Stake.Status)

	// the original is untouched
	original, err := env.stake.GetStake(ctx, result.Stake.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, stake.StatusPenalized, original.Status)
}

func TestCreateRecoveryStakeOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1")
	env.penalize(t, result.Stake.ID)

	_, err := env.svc.CreateRecoveryStake(ctx, recoveryParams(result.Stake.ID))
	require.NoError(t, err)

	_, err = env.svc.CreateRecoveryStake(ctx, recoveryParams(result.Stake.ID))
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusConflict))
}

func TestRacingRecoveryCreatesSingleStake(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	result := env.newStake(t, "user-1")
	env.penalize(t, result.Stake.ID)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.svc.CreateRecoveryStake(ctx, recoveryParams(result.Stake.ID))
			errs <- err
		}()
	}

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			successes++
		case errutil.IsStatus(err, errutil.StatusConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	rows, err := env.svc.stakes.Find(ctx, &stake.Stake{OriginalStakeID: result.Stake.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestIsEligibleWrongOwner(t *testing.T) {
	env := newTestEnv(t)
	result := env.newStake(t, "user-1")

	_, err := env.svc.IsEligible(context.Background(), result.Stake.ID, "someone-else")
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))
}
