package chain

import (
	"context"
	"errors"
	"testing"
)

func TestFuncClientDefaults(t *testing.T) {
	var c FuncClient
	tx, err := c.GetTransaction(context.Background(), "0xabc")
	if err != nil || tx.Status != StatusPending {
		t.Fatalf("expected pending default, got %+v %v", tx, err)
	}
	_, err = c.Broadcast(context.Background(), PayoutTx{})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if err := c.ValidateAddress(""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
