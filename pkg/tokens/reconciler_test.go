package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

const testWebhookSecret = "whsec_test_secret"

func signPayload(test *testing.T, secret string, timestamp int64, payload []byte) string {
	test.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(test *testing.T, eventID string, sessionID string, mode string, metadata map[string]string) []byte {
	test.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": eventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":                  sessionID,
				"mode":                mode,
				"client_reference_id": metadata[MetadataKeyUserID],
				"amount_total":        999,
				"metadata":            metadata,
			},
		},
	})
	if err != nil {
		test.Fatalf("marshal payload: %v", err)
	}
	return payload
}

func tokenPurchaseMetadata(userID string) map[string]string {
	return map[string]string{
		MetadataKeyPurchaseType: PurchaseTypeTokens,
		MetadataKeyUserID:       userID,
		MetadataKeyPackageID:    "pkg-medium",
		MetadataKeyTokenAmount:  "500000",
	}
}

func newReconcilerFixture(test *testing.T) (*Reconciler, *stubStore) {
	test.Helper()
	store := newStubStore(test)
	seedPackage(store)
	service := mustNewService(test, store)
	resolver := OwnerResolverFunc(func(ctx context.Context, userID string) (TokenOwner, error) {
		return UserOwner(userID)
	})
	reconciler, err := NewReconciler(service, resolver, ReconcilerConfig{
		WebhookSecret: testWebhookSecret,
		Now:           testClock,
	})
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler, store
}

func TestProcessCreditsPaidPoolOnCheckoutCompleted(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_1", "cs_1", "payment", tokenPurchaseMetadata("user-1"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	outcome, err := reconciler.Process(context.Background(), payload, header)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome != OutcomeApplied {
		test.Fatalf("expected applied, got %s", outcome)
	}
	owner := mustUserOwner(test, "user-1")
	balance := store.mustBalance(test, owner)
	if balance.PaidBalance != 500_000 {
		test.Fatalf("expected paid pool 500000, got %d", balance.PaidBalance)
	}
	if balance.Balance != balance.FreeBalance+balance.PaidBalance {
		test.Fatalf("balance invariant broken: %+v", balance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(store.transactions))
	}
	transaction := store.transactions[0]
	if transaction.Type != TransactionPurchase || transaction.Reference != "cs_1" {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}
	if transaction.PriceCents != 999 {
		test.Fatalf("expected amount_total captured, got %d", transaction.PriceCents)
	}
	record, found := store.webhooks["evt_1"]
	if !found || record.Outcome != OutcomeApplied {
		test.Fatalf("unexpected webhook record: %+v found=%v", record, found)
	}
}

func TestProcessDuplicateDeliveryCreditsOnce(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_dup", "cs_dup", "payment", tokenPurchaseMetadata("user-dup"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	for attempt := 0; attempt < 3; attempt++ {
		outcome, err := reconciler.Process(context.Background(), payload, header)
		if err != nil {
			test.Fatalf("process attempt %d: %v", attempt, err)
		}
		if outcome != OutcomeApplied {
			test.Fatalf("attempt %d: expected applied, got %s", attempt, outcome)
		}
	}
	owner := mustUserOwner(test, "user-dup")
	if balance := store.mustBalance(test, owner); balance.PaidBalance != 500_000 {
		test.Fatalf("expected a single credit, got paid pool %d", balance.PaidBalance)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected 1 transaction after redeliveries, got %d", len(store.transactions))
	}
}

func TestProcessRejectsTamperedSignature(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_bad", "cs_bad", "payment", tokenPurchaseMetadata("user-bad"))
	header := signPayload(test, "whsec_wrong_secret", testNowUnixUTC, payload)

	_, err := reconciler.Process(context.Background(), payload, header)
	if !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(store.transactions) != 0 || len(store.webhooks) != 0 {
		test.Fatalf("expected no side effects on bad signature")
	}
}

func TestProcessRejectsStaleTimestamp(test *testing.T) {
	test.Parallel()
	reconciler, _ := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_old", "cs_old", "payment", tokenPurchaseMetadata("user-old"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC-3600, payload)

	_, err := reconciler.Process(context.Background(), payload, header)
	if !errors.Is(err, ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestProcessRejectsMalformedHeader(test *testing.T) {
	test.Parallel()
	reconciler, _ := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_h", "cs_h", "payment", tokenPurchaseMetadata("user-h"))

	for _, header := range []string{"", "v1=deadbeef", "t=notanumber,v1=deadbeef"} {
		_, err := reconciler.Process(context.Background(), payload, header)
		if !errors.Is(err, ErrInvalidSignature) {
			test.Fatalf("header %q: expected ErrInvalidSignature, got %v", header, err)
		}
	}
}

func TestProcessSkipsNonPaymentMode(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_sub", "cs_sub", "subscription", tokenPurchaseMetadata("user-sub"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	outcome, err := reconciler.Process(context.Background(), payload, header)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no credit for subscription mode")
	}
	if record := store.webhooks["evt_sub"]; record.Outcome != OutcomeSkipped {
		test.Fatalf("expected skipped record, got %+v", record)
	}
}

func TestProcessSkipsForeignCheckout(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "evt_other", "cs_other", "payment", map[string]string{
		MetadataKeyPurchaseType: "gift_card",
	})
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	outcome, err := reconciler.Process(context.Background(), payload, header)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no credit for foreign checkout")
	}
}

func TestProcessPaymentIntentSucceededNeverCredits(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	checkout := checkoutCompletedPayload(test, "evt_main", "cs_main", "payment", tokenPurchaseMetadata("user-pi"))
	if _, err := reconciler.Process(context.Background(), checkout, signPayload(test, testWebhookSecret, testNowUnixUTC, checkout)); err != nil {
		test.Fatalf("process checkout: %v", err)
	}

	intent, err := json.Marshal(map[string]any{
		"id":   "evt_intent",
		"type": eventPaymentIntentSucceeded,
		"data": map[string]any{"object": map[string]any{"id": "pi_1"}},
	})
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}
	outcome, err := reconciler.Process(context.Background(), intent, signPayload(test, testWebhookSecret, testNowUnixUTC, intent))
	if err != nil {
		test.Fatalf("process intent: %v", err)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
	if len(store.transactions) != 1 {
		test.Fatalf("expected the checkout credit only, got %d transactions", len(store.transactions))
	}
}

func TestProcessPaymentIntentFailedIsSkipped(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_failed",
		"type": eventPaymentIntentFailed,
		"data": map[string]any{"object": map[string]any{
			"id":                 "pi_failed",
			"last_payment_error": map[string]any{"message": "card declined"},
		}},
	})
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}

	outcome, processErr := reconciler.Process(context.Background(), payload, signPayload(test, testWebhookSecret, testNowUnixUTC, payload))
	if processErr != nil {
		test.Fatalf("process: %v", processErr)
	}
	if outcome != OutcomeSkipped {
		test.Fatalf("expected skipped, got %s", outcome)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("expected no credit for failed payment")
	}
	if record := store.webhooks["evt_failed"]; record.Outcome != OutcomeSkipped {
		test.Fatalf("expected skipped record, got %+v", record)
	}
}

func TestProcessRecordsUnhandledTypes(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload, err := json.Marshal(map[string]any{
		"id":   "evt_refund",
		"type": "charge.refunded",
		"data": map[string]any{"object": map[string]any{"id": "ch_1"}},
	})
	if err != nil {
		test.Fatalf("marshal: %v", err)
	}

	outcome, processErr := reconciler.Process(context.Background(), payload, signPayload(test, testWebhookSecret, testNowUnixUTC, payload))
	if processErr != nil {
		test.Fatalf("process: %v", processErr)
	}
	if outcome != OutcomeUnhandled {
		test.Fatalf("expected unhandled, got %s", outcome)
	}
	if record := store.webhooks["evt_refund"]; record.Outcome != OutcomeUnhandled {
		test.Fatalf("expected unhandled record, got %+v", record)
	}
}

func TestProcessRejectsInvalidPayload(test *testing.T) {
	test.Parallel()
	reconciler, _ := newReconcilerFixture(test)
	payload := []byte("{not json")
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	_, err := reconciler.Process(context.Background(), payload, header)
	if !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	empty := []byte(`{"id":"","type":""}`)
	_, err = reconciler.Process(context.Background(), empty, signPayload(test, testWebhookSecret, testNowUnixUTC, empty))
	if !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload for missing type, got %v", err)
	}
}

func TestProcessRequiresDedupKey(test *testing.T) {
	test.Parallel()
	reconciler, _ := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "", "", "payment", tokenPurchaseMetadata("user-x"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	_, err := reconciler.Process(context.Background(), payload, header)
	if !errors.Is(err, ErrInvalidPayload) {
		test.Fatalf("expected ErrInvalidPayload without ids, got %v", err)
	}
}

func TestProcessFallsBackToSessionIDForDedup(test *testing.T) {
	test.Parallel()
	reconciler, store := newReconcilerFixture(test)
	payload := checkoutCompletedPayload(test, "", "cs_only", "payment", tokenPurchaseMetadata("user-session"))
	header := signPayload(test, testWebhookSecret, testNowUnixUTC, payload)

	outcome, err := reconciler.Process(context.Background(), payload, header)
	if err != nil {
		test.Fatalf("process: %v", err)
	}
	if outcome != OutcomeApplied {
		test.Fatalf("expected applied, got %s", outcome)
	}
	if record := store.webhooks["cs_only"]; record.Outcome != OutcomeApplied {
		test.Fatalf("expected record keyed by session id, got %+v", record)
	}
}

func TestNewReconcilerRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	resolver := OwnerResolverFunc(func(ctx context.Context, userID string) (TokenOwner, error) {
		return UserOwner(userID)
	})
	if _, err := NewReconciler(nil, resolver, ReconcilerConfig{WebhookSecret: "s"}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewReconciler(service, nil, ReconcilerConfig{WebhookSecret: "s"}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewReconciler(service, resolver, ReconcilerConfig{}); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for empty secret, got %v", err)
	}
}
