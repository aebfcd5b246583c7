package tokens

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	eventCheckoutCompleted      = "checkout.session.completed"
	eventPaymentIntentSucceeded = "payment_intent.succeeded"
	eventPaymentIntentFailed    = "payment_intent.payment_failed"

	checkoutModePayment = "payment"

	defaultSignatureTolerance = 5 * time.Minute
)

// ReconcilerConfig configures webhook verification.
type ReconcilerConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	Now           func() int64
}

// Reconciler settles processor webhook events against the token ledger.
// Crediting and dedup recording commit in a single transaction, so each
// event id is applied at most once no matter how often it is delivered.
type Reconciler struct {
	service   *Service
	resolver  OwnerResolver
	secret    []byte
	tolerance time.Duration
	nowFn     func() int64
	logger    OperationLogger
}

// ReconcilerOption configures a Reconciler instance.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger wires a logger for reconcile operations.
func WithReconcilerLogger(logger OperationLogger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		reconciler.logger = logger
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(service *Service, resolver OwnerResolver, config ReconcilerConfig, options ...ReconcilerOption) (*Reconciler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver dependency is nil", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrInvalidServiceConfig)
	}
	tolerance := config.Tolerance
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	nowFn := config.Now
	if nowFn == nil {
		nowFn = func() int64 { return time.Now().UTC().Unix() }
	}
	reconciler := &Reconciler{
		service:   service,
		resolver:  resolver,
		secret:    []byte(config.WebhookSecret),
		tolerance: tolerance,
		nowFn:     nowFn,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// Process verifies, parses, and settles one webhook delivery. It returns
// ErrInvalidSignature and ErrInvalidPayload for terminal deliveries; any
// other error is transient and the processor should redeliver.
func (reconciler *Reconciler) Process(ctx context.Context, payload []byte, signatureHeader string) (WebhookOutcome, error) {
	outcome, eventID, reference, operationError := reconciler.process(ctx, payload, signatureHeader)
	reconciler.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		EventID:   eventID,
		Reference: reference,
		Status:    outcome.String(),
		Error:     operationError,
	})
	return outcome, operationError
}

func (reconciler *Reconciler) process(ctx context.Context, payload []byte, signatureHeader string) (WebhookOutcome, string, string, error) {
	if err := reconciler.verifySignature(payload, signatureHeader); err != nil {
		return "", "", "", err
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(envelope.Type) == "" {
		return "", "", "", fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	switch envelope.Type {
	case eventCheckoutCompleted:
		outcome, err := reconciler.settleCheckout(ctx, envelope)
		return outcome, envelope.ID, "", err
	case eventPaymentIntentSucceeded:
		// Secondary confirmation. The checkout session event carries the
		// credit; recording skipped keeps redeliveries observable.
		outcome, err := reconciler.recordOnly(ctx, envelope, OutcomeSkipped)
		return outcome, envelope.ID, "", err
	case eventPaymentIntentFailed:
		outcome, err := reconciler.recordOnly(ctx, envelope, OutcomeSkipped)
		return outcome, envelope.ID, paymentFailureDetail(envelope), err
	default:
		outcome, err := reconciler.recordOnly(ctx, envelope, OutcomeUnhandled)
		return outcome, envelope.ID, "", err
	}
}

// paymentFailureDetail pulls the processor's failure message for the log.
func paymentFailureDetail(envelope webhookEnvelope) string {
	var intent struct {
		LastPaymentError struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	if err := json.Unmarshal(envelope.Data.Object, &intent); err != nil {
		return ""
	}
	return intent.LastPaymentError.Message
}

func (reconciler *Reconciler) settleCheckout(ctx context.Context, envelope webhookEnvelope) (WebhookOutcome, error) {
	var session checkoutSessionObject
	if err := json.Unmarshal(envelope.Data.Object, &session); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	eventID := dedupKey(envelope.ID, session.ID)
	if eventID == "" {
		return "", fmt.Errorf("%w: missing event and session ids", ErrInvalidPayload)
	}
	if session.Mode != checkoutModePayment || session.Metadata[MetadataKeyPurchaseType] != PurchaseTypeTokens {
		return reconciler.recordEvent(ctx, eventID, envelope.Type, OutcomeSkipped)
	}
	userID := strings.TrimSpace(session.Metadata[MetadataKeyUserID])
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}
	packageID := strings.TrimSpace(session.Metadata[MetadataKeyPackageID])
	if userID == "" || packageID == "" {
		return reconciler.recordEvent(ctx, eventID, envelope.Type, OutcomeSkipped)
	}
	tokenPackage, err := reconciler.service.store.FindPackage(ctx, packageID)
	if err != nil {
		return "", err
	}
	rawAmount := tokenPackage.TokenAmount
	if metadataAmount, parseErr := strconv.ParseInt(session.Metadata[MetadataKeyTokenAmount], 10, 64); parseErr == nil && metadataAmount > 0 {
		rawAmount = metadataAmount
	}
	amount, err := NewTokenAmount(rawAmount)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	owner, err := reconciler.resolver.ResolveOwner(ctx, userID)
	if err != nil {
		return "", err
	}
	meta := TransactionMeta{
		Type:        TransactionPurchase,
		Description: tokenPackage.Name,
		Reference:   session.ID,
		PriceCents:  session.AmountTotal,
	}
	transactionError := reconciler.service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, found, err := txStore.GetWebhookEvent(ctx, eventID); err != nil {
			return err
		} else if found {
			return ErrEventAlreadyRecorded
		}
		if _, err := reconciler.service.creditLocked(ctx, txStore, owner, amount, PoolPaid, meta); err != nil {
			return err
		}
		return txStore.RecordWebhookEvent(ctx, WebhookRecord{
			EventID:          eventID,
			Type:             envelope.Type,
			Outcome:          OutcomeApplied,
			ProcessedUnixUTC: reconciler.nowFn(),
		})
	})
	if transactionError == nil {
		return OutcomeApplied, nil
	}
	if errors.Is(transactionError, ErrEventAlreadyRecorded) {
		return reconciler.recordedOutcome(ctx, eventID)
	}
	return "", transactionError
}

// recordOnly settles event types that never mutate a balance.
func (reconciler *Reconciler) recordOnly(ctx context.Context, envelope webhookEnvelope, outcome WebhookOutcome) (WebhookOutcome, error) {
	eventID := strings.TrimSpace(envelope.ID)
	if eventID == "" {
		return outcome, nil
	}
	return reconciler.recordEvent(ctx, eventID, envelope.Type, outcome)
}

func (reconciler *Reconciler) recordEvent(ctx context.Context, eventID string, eventType string, outcome WebhookOutcome) (WebhookOutcome, error) {
	transactionError := reconciler.service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, found, err := txStore.GetWebhookEvent(ctx, eventID); err != nil {
			return err
		} else if found {
			return ErrEventAlreadyRecorded
		}
		return txStore.RecordWebhookEvent(ctx, WebhookRecord{
			EventID:          eventID,
			Type:             eventType,
			Outcome:          outcome,
			ProcessedUnixUTC: reconciler.nowFn(),
		})
	})
	if transactionError == nil {
		return outcome, nil
	}
	if errors.Is(transactionError, ErrEventAlreadyRecorded) {
		return reconciler.recordedOutcome(ctx, eventID)
	}
	return "", transactionError
}

// recordedOutcome reports the settled outcome of a duplicate delivery.
func (reconciler *Reconciler) recordedOutcome(ctx context.Context, eventID string) (WebhookOutcome, error) {
	record, found, err := reconciler.service.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("webhook event %s vanished after duplicate detection", eventID)
	}
	return record.Outcome, nil
}

// verifySignature checks the t=<ts>,v1=<hmac> header against an HMAC-SHA256
// of "<ts>.<payload>" and enforces the timestamp tolerance window.
func (reconciler *Reconciler) verifySignature(payload []byte, signatureHeader string) error {
	var timestampPart string
	signatures := make([]string, 0, 2)
	for _, element := range strings.Split(signatureHeader, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(element), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestampPart = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestampPart == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	timestamp, err := strconv.ParseInt(timestampPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
	}
	nowUnixUTC := reconciler.nowFn()
	drift := nowUnixUTC - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(reconciler.tolerance/time.Second) {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, reconciler.secret)
	mac.Write([]byte(timestampPart))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, signature := range signatures {
		if hmac.Equal([]byte(expected), []byte(signature)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

func dedupKey(eventID string, sessionID string) string {
	if trimmed := strings.TrimSpace(eventID); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(sessionID)
}

func (reconciler *Reconciler) logOperation(ctx context.Context, entry OperationLog) {
	if reconciler.logger == nil {
		return
	}
	if entry.Status == "" || entry.Error != nil {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else if entry.Status == "" {
			entry.Status = operationStatusOK
		}
	}
	reconciler.logger.LogOperation(ctx, entry)
}
