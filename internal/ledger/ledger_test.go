package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaesz/Morphile/internal/store"
)

const mb = 1 << 20

func newTestLedger(t *testing.T) (*Ledger, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, 100*mb), st
}

func TestAccountCreatedLazily(t *testing.T) {
	l, _ := newTestLedger(t)

	acct, err := l.Account(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BytesUsed)
	assert.Equal(t, int64(100*mb), acct.ByteCap)
	assert.False(t, acct.Premium(time.Now()))
	assert.Equal(t, int64(100*mb), acct.Remaining())
}

func TestCheckCapacity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Charge(ctx, "u", "job-0", 90*mb)
	require.NoError(t, err)

	tests := []struct {
		name     string
		estimate int64
		want     bool
	}{
		{"fits exactly", 10 * mb, true},
		{"too large", 11 * mb, false},
		{"unknown size with allowance left", 0, true},
		{"negative means unknown", -1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := l.CheckCapacity(ctx, "u", tc.estimate)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	_, err = l.Charge(ctx, "u", "job-1", 10*mb)
	require.NoError(t, err)
	ok, err := l.CheckCapacity(ctx, "u", 0)
	require.NoError(t, err)
	assert.False(t, ok, "an exhausted account has no room even for unknown sizes")
}

func TestChargeIsSinglePerJob(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	total, err := l.Charge(ctx, "u", "job-1", 5*mb)
	require.NoError(t, err)
	assert.Equal(t, int64(5*mb), total)

	_, err = l.Charge(ctx, "u", "job-1", 5*mb)
	assert.ErrorIs(t, err, ErrAlreadyCharged)

	acct, err := l.Account(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(5*mb), acct.BytesUsed)
}

func TestConcurrentChargesSameAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Charge(ctx, "shared", fmt.Sprintf("job-%d", i), 1*mb)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	acct, err := l.Account(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(20*mb), acct.BytesUsed)
}

func TestRevertNetsToZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Charge(ctx, "u", "keep", 90*mb)
	require.NoError(t, err)
	total, err := l.Charge(ctx, "u", "over", 11*mb)
	require.NoError(t, err)
	assert.Greater(t, total, int64(100*mb))

	given, err := l.Revert(ctx, "over")
	require.NoError(t, err)
	assert.Equal(t, int64(11*mb), given)

	acct, err := l.Account(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(90*mb), acct.BytesUsed)

	_, err = l.Revert(ctx, "over")
	assert.ErrorIs(t, err, ErrNoCharge)
}

func TestChargeForAndPublication(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	charge, err := l.ChargeFor(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, charge)

	assert.ErrorIs(t, l.RecordPublication(ctx, "job-1", "n", "u"), ErrNoCharge)

	_, err = l.Charge(ctx, "u", "job-1", 3)
	require.NoError(t, err)
	require.NoError(t, l.RecordPublication(ctx, "job-1", "file.bin", "https://host/file.bin"))

	charge, err = l.ChargeFor(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, charge)
	assert.True(t, charge.Published())
	assert.Equal(t, "https://host/file.bin", charge.PublicURL)
}

func TestGrantEntitlement(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Charge(ctx, "u", "job-1", 60*mb)
	require.NoError(t, err)

	acct, err := l.GrantEntitlement(ctx, "u", 30, 50<<30)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BytesUsed, "upgrade starts a fresh allowance")
	assert.Equal(t, int64(50<<30), acct.ByteCap)
	assert.True(t, acct.Premium(time.Now()))

	_, err = l.GrantEntitlement(ctx, "u", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestLapsedEntitlementUsesDefaultCap(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.GrantEntitlement(ctx, "u", 1, 50<<30)
	require.NoError(t, err)

	// Jump past the expiry without the janitor having run.
	l.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	acct, err := l.Account(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(100*mb), acct.ByteCap)

	n, err := l.ExpireEntitlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResetPeriodAndPrune(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.Charge(ctx, "a", "job-1", 10)
	require.NoError(t, err)

	// The account was opened in today's period.
	n, err := l.ResetPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	l.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	n, err = l.ResetPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	acct, err := l.Account(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BytesUsed)

	n, err = l.ResetPeriod(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "one reset per day")

	l.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	pruned, err := l.PruneCharges(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
