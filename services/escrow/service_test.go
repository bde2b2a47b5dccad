package escrow

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stakeengine/pkg/config"
	"stakeengine/pkg/errutil"
	"stakeengine/services/testutil"
	"stakeengine/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *wallet.Service) {
	t.Helper()

	db := testutil.NewTestDB(t, &wallet.Wallet{}, &wallet.WalletTransaction{}, &EscrowTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{Policy: config.DefaultPolicy()}
	w := wallet.NewService(wallet.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Wallet: w})
	return svc, w
}

func createPending(t *testing.T, svc *Service, amount int64) *EscrowTransaction {
	t.Helper()

	var row *EscrowTransaction
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		var createErr error
		row, createErr = svc.Create(context.Background(), tx, CreateParams{
			StakeID: "stake-" + svc.node.Generate().String(),
			UserID:  "user-1", Amount: amount, Currency: "USD", PaymentMethod: "card",
		})
		return createErr
	})
	require.NoError(t, err)
	return row
}

func TestCreateAmountBounds(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.db.Transaction(func(tx *gorm.DB) error {
		_, createErr := svc.Create(context.Background(), tx, CreateParams{
			StakeID: "stake-1", UserID: "user-1", Amount: 100, Currency: "USD",
		})
		return createErr
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))

	err = svc.db.Transaction(func(tx *gorm.DB) error {
		_, createErr := svc.Create(context.Background(), tx, CreateParams{
			StakeID: "stake-1", UserID: "user-1", Amount: 2000000, Currency: "USD",
		})
		return createErr
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
}

func TestConfirmHoldReplayIsNoOp(t *testing.T) {
	svc, w := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)

	require.NoError(t, svc.ConfirmHold(ctx, row.ID, "prov-1"))
	require.NoError(t, svc.ConfirmHold(ctx, row.ID, "prov-1"))

	got, err := svc.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusHeld, got.Status)
	require.Equal(t, "prov-1", got.ProviderReference)
	require.NotNil(t, got.HeldAt)

	entries, err := w.ListEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, wallet.EntryStakeHold, entries[0].Type)

	userWallet, err := w.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), userWallet.Balance)
	require.Equal(t, int64(10000), userWallet.TotalStaked)
}

func TestReleaseExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)
	require.NoError(t, svc.ConfirmHold(ctx, row.ID, "prov-1"))

	var released *EscrowTransaction
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		var relErr error
		released, relErr = svc.Release(ctx, tx, row.ID)
		return relErr
	})
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)
	require.Equal(t, int64(10000), released.ReleasedAmount)

	// second release is a no-op success
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		again, relErr := svc.Release(ctx, tx, row.ID)
		require.Equal(t, StatusReleased, again.Status)
		return relErr
	})
	require.NoError(t, err)
}

func TestForfeitSplitsAmount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)
	require.NoError(t, svc.ConfirmHold(ctx, row.ID, "prov-1"))

	var settled *EscrowTransaction
	err := svc.db.Transaction(func(tx *gorm.DB) error {
		var forfeitErr error
		settled, forfeitErr = svc.Forfeit(ctx, tx, row.ID, 40)
		return forfeitErr
	})
	require.NoError(t, err)
	require.Equal(t, StatusForfeited, settled.Status)
	require.Equal(t, int64(4000), settled.ForfeitedAmount)
	require.Equal(t, int64(6000), settled.ReleasedAmount)

	// a settled escrow cannot release
	err = svc.db.Transaction(func(tx *gorm.DB) error {
		_, relErr := svc.Release(ctx, tx, row.ID)
		return relErr
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidTransition))
}

func TestForfeitRequiresHeld(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)

	err := svc.db.Transaction(func(tx *gorm.DB) error {
		_, forfeitErr := svc.Forfeit(ctx, tx, row.ID, 100)
		return forfeitErr
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusInvalidTransition))
}

func TestRevertToPending(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)

	// PENDING is a no-op
	require.NoError(t, svc.RevertToPending(ctx, row.ID))

	require.NoError(t, svc.ConfirmHold(ctx, row.ID, "prov-1"))
	require.NoError(t, svc.RevertToPending(ctx, row.ID))

	got, err := svc.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestMarkRefunded(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	row := createPending(t, svc, 10000)

	require.NoError(t, svc.MarkRefunded(ctx, row.ID))
	require.NoError(t, svc.MarkRefunded(ctx, row.ID))

	got, err := svc.Get(ctx, row.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, got.Status)
}
