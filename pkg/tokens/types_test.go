package tokens

import (
	"errors"
	"testing"
)

func TestNewTokenOwner(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		kind    OwnerKind
		id      string
		wantErr error
		wantStr string
	}{
		{name: "user", kind: OwnerKindUser, id: " user-1 ", wantStr: "user:user-1"},
		{name: "group", kind: OwnerKindGroup, id: "fam-9", wantStr: "group:fam-9"},
		{name: "bad kind", kind: OwnerKind("team"), id: "x", wantErr: ErrInvalidOwnerKind},
		{name: "empty id", kind: OwnerKindUser, id: "   ", wantErr: ErrInvalidOwnerID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			owner, err := NewTokenOwner(tc.kind, tc.id)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner.String() != tc.wantStr {
				t.Fatalf("expected %q, got %q", tc.wantStr, owner.String())
			}
		})
	}
}

func TestNewTokenAmount(t *testing.T) {
	t.Parallel()
	for _, raw := range []int64{0, -1, -500} {
		if _, err := NewTokenAmount(raw); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
	amount, err := NewTokenAmount(42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if amount.Int64() != 42 {
		t.Fatalf("expected 42, got %d", amount.Int64())
	}
}

func TestBalanceUpdateValidate(t *testing.T) {
	t.Parallel()
	valid := BalanceUpdate{FreeBalance: 10, PaidBalance: 5, Balance: 15}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mismatch := BalanceUpdate{FreeBalance: 10, PaidBalance: 5, Balance: 14}
	if err := mismatch.Validate(); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	negative := BalanceUpdate{FreeBalance: -1, PaidBalance: 1, Balance: 0}
	if err := negative.Validate(); !errors.Is(err, ErrInvalidBalance) {
		t.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestNormalizeMetadataJSON(t *testing.T) {
	t.Parallel()
	normalized, err := NormalizeMetadataJSON("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if normalized != "{}" {
		t.Fatalf("expected default metadata, got %q", normalized)
	}
	if _, err := NormalizeMetadataJSON("not-json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestPackagePurchasable(t *testing.T) {
	t.Parallel()
	purchasable := TokenPackage{Active: true, StripePriceID: "price_1"}
	if !purchasable.Purchasable() {
		t.Fatalf("expected purchasable")
	}
	inactive := TokenPackage{Active: false, StripePriceID: "price_1"}
	if inactive.Purchasable() {
		t.Fatalf("inactive package must not be purchasable")
	}
	unmapped := TokenPackage{Active: true}
	if unmapped.Purchasable() {
		t.Fatalf("package without price mapping must not be purchasable")
	}
}

func TestPurchaseRequestStatusTerminal(t *testing.T) {
	t.Parallel()
	if RequestPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	for _, status := range []PurchaseRequestStatus{RequestApproved, RequestRejected, RequestCancelled} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
}

func TestParseTags(t *testing.T) {
	t.Parallel()
	if _, err := ParseBalancePool("bonus"); !errors.Is(err, ErrInvalidPool) {
		t.Fatalf("expected ErrInvalidPool, got %v", err)
	}
	if _, err := ParseTransactionType("gift"); !errors.Is(err, ErrInvalidTransactionType) {
		t.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
	if _, err := ParsePurchaseRequestStatus("stalled"); !errors.Is(err, ErrInvalidRequestStatus) {
		t.Fatalf("expected ErrInvalidRequestStatus, got %v", err)
	}
	if _, err := ParseWebhookOutcome("ignored"); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	wrapped := WrapError("credit", "balance", "insufficient_balance", ErrInsufficientBalance)
	if !errors.Is(wrapped, ErrInsufficientBalance) {
		t.Fatalf("expected wrapped sentinel to survive errors.Is")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) {
		t.Fatalf("expected OperationError")
	}
	if operationError.Code() != "insufficient_balance" {
		t.Fatalf("unexpected code: %s", operationError.Code())
	}
	if WrapError("credit", "balance", "ok", nil) != nil {
		t.Fatalf("expected nil wrap of nil error")
	}
}
