package withdrawal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"folio/events"
	"folio/ledger/balance"
	"folio/ledger/models"
	"folio/storage/storagetest"
)

func newService(t *testing.T) (*Service, *balance.Store, *events.Recorder) {
	t.Helper()
	db := storagetest.NewDB(t)
	now := func() time.Time { return time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC) }
	balances := balance.NewStore(db, now)
	_, err := balances.Credit(context.Background(), balance.CreditRequest{Wallet: "0xr", Amount: 1_000, Reason: models.ReasonDeposit})
	require.NoError(t, err)
	rec := &events.Recorder{}
	validate := func(addr string) error {
		if addr == "bad" {
			return errors.New("not an address")
		}
		return nil
	}
	return NewService(db, balances, validate, rec, now), balances, rec
}

func TestRequestReservesBalance(t *testing.T) {
	svc, balances, rec := newService(t)
	ctx := context.Background()
	req, err := svc.Request(ctx, "0xR", 400, "0xdest")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, req.Status)

	bal, _ := balances.GetBalance(ctx, "0xr")
	require.Equal(t, int64(600), bal.Available)
	require.Len(t, rec.OfType(events.TypeWithdrawalRequested), 1)

	pending, err := svc.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestRejectRefunds(t *testing.T) {
	svc, balances, _ := newService(t)
	ctx := context.Background()
	req, err := svc.Request(ctx, "0xr", 400, "0xdest")
	require.NoError(t, err)

	rejected, err := svc.Reject(ctx, req.ID, "sanctions screening")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalRejected, rejected.Status)

	bal, _ := balances.GetBalance(ctx, "0xr")
	require.Equal(t, int64(1_000), bal.Available)
	require.Equal(t, int64(1_000), bal.TotalDeposited)
	require.Zero(t, bal.TotalSpent)

	_, err = svc.Complete(ctx, req.ID, "0xhash")
	require.ErrorIs(t, err, ErrRequestFinalised)
}

func TestCompleteRecordsHash(t *testing.T) {
	svc, balances, _ := newService(t)
	ctx := context.Background()
	req, err := svc.Request(ctx, "0xr", 250, "0xdest")
	require.NoError(t, err)
	done, err := svc.Complete(ctx, req.ID, "0xhash")
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalCompleted, done.Status)
	require.Equal(t, "0xhash", *done.TxHash)

	bal, _ := balances.GetBalance(ctx, "0xr")
	require.Equal(t, int64(750), bal.Available)
}

func TestRequestValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Request(ctx, "0xr", 10, "bad")
	require.ErrorIs(t, err, ErrInvalidDestination)

	_, err = svc.Request(ctx, "0xr", 5_000, "0xdest")
	var insufficient *balance.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
}
