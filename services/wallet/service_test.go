package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stakeengine/pkg/db/pagination"
	"stakeengine/pkg/errutil"
	"stakeengine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Wallet{}, &WalletTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func TestApplyBalanceEqualsEntrySum(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
		Amount: 1000, Earned: 1000, ReferenceID: "release:s1",
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryReward,
		Amount: 50, Earned: 50, ReferenceID: "reward:s1",
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryExtensionFee,
		Amount: -200, ReferenceID: "extension_fee:e1",
	})
	require.NoError(t, err)

	w, err := svc.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(850), w.Balance)
	require.Equal(t, int64(1050), w.TotalEarned)

	entries, err := svc.ListEntries(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	require.Equal(t, w.Balance, sum)

	ok, err := svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApplyDuplicateReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
		Amount: 1000, ReferenceID: "release:s1",
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
		Amount: 1000, ReferenceID: "release:s1",
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusConflict))

	w, err := svc.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), w.Balance)
}

func TestApplyInsufficientBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryExtensionFee,
		Amount: -100, ReferenceID: "extension_fee:e1",
	})
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusValidationFailed))
}

func TestZeroDeltaEntriesCarryAggregates(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeHold,
		Amount: 0, Staked: 5000, ReferenceID: "hold:e1",
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryForfeiture,
		Amount: 0, Lost: 5000, ReferenceID: "forfeit:s1",
	})
	require.NoError(t, err)

	w, err := svc.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), w.Balance)
	require.Equal(t, int64(5000), w.TotalStaked)
	require.Equal(t, int64(5000), w.TotalLost)

	ok, err := svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
		Amount: 1000, ReferenceID: "release:s1",
	})
	require.NoError(t, err)
	entry, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryReward,
		Amount: 50, ReferenceID: "reward:s1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.db.Model(&WalletTransaction{}).
		Where("id = ?", entry.ID).
		Update("amount", 5000).Error)

	ok, err := svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyChainDetectsBalanceDrift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Apply(ctx, nil, EntryParams{
		UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
		Amount: 1000, ReferenceID: "release:s1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.db.Model(&Wallet{}).
		Where("user_id = ?", "user-1").
		Update("balance", 9999).Error)

	ok, err := svc.VerifyChain(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStreaks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ensure(ctx, svc.db, "user-1", "USD")
	require.NoError(t, err)

	require.NoError(t, svc.BumpStreak(ctx, svc.db, "user-1"))
	require.NoError(t, svc.BumpStreak(ctx, svc.db, "user-1"))

	w, err := svc.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 2, w.CurrentStreak)
	require.Equal(t, 2, w.LongestStreak)

	require.NoError(t, svc.ResetStreak(ctx, svc.db, "user-1"))
	require.NoError(t, svc.BumpStreak(ctx, svc.db, "user-1"))

	w, err = svc.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, w.CurrentStreak)
	require.Equal(t, 2, w.LongestStreak)
}

func TestListEntriesPage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	refs := []string{"release:s1", "reward:s1", "release:s2"}
	for i, ref := range refs {
		_, err := svc.Apply(ctx, nil, EntryParams{
			UserID: "user-1", Currency: "USD", Type: EntryStakeRelease,
			Amount: int64(100 * (i + 1)), ReferenceID: ref,
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	first, info, err := svc.ListEntriesPage(ctx, "user-1", nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextCursor)

	cursor, err := pagination.DecodeCursor(info.NextCursor)
	require.NoError(t, err)

	second, info, err := svc.ListEntriesPage(ctx, "user-1", cursor, 2)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.False(t, info.HasMore)
	require.NotEqual(t, first[0].ID, second[0].ID)
	require.NotEqual(t, first[1].ID, second[0].ID)
}

func TestGetWalletNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetWallet(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errutil.IsStatus(err, errutil.StatusNotFound))
}
