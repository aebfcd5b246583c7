package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OwnerKind tags the entity a balance belongs to.
type OwnerKind string

const (
	OwnerKindUser  OwnerKind = "user"
	OwnerKindGroup OwnerKind = "group"
)

// ParseOwnerKind validates a raw owner kind.
func ParseOwnerKind(raw string) (OwnerKind, error) {
	switch OwnerKind(raw) {
	case OwnerKindUser, OwnerKindGroup:
		return OwnerKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOwnerKind, raw)
	}
}

// String returns the kind tag.
func (kind OwnerKind) String() string {
	return string(kind)
}

// TokenOwner identifies the individual or group whose balance is affected.
type TokenOwner struct {
	kind OwnerKind
	id   string
}

// NewTokenOwner validates and builds an owner reference.
func NewTokenOwner(kind OwnerKind, id string) (TokenOwner, error) {
	if _, err := ParseOwnerKind(kind.String()); err != nil {
		return TokenOwner{}, err
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return TokenOwner{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return TokenOwner{kind: kind, id: trimmed}, nil
}

// UserOwner builds an individual owner reference.
func UserOwner(userID string) (TokenOwner, error) {
	return NewTokenOwner(OwnerKindUser, userID)
}

// GroupOwner builds a group owner reference.
func GroupOwner(groupID string) (TokenOwner, error) {
	return NewTokenOwner(OwnerKindGroup, groupID)
}

// Kind returns the owner kind tag.
func (owner TokenOwner) Kind() OwnerKind {
	return owner.kind
}

// ID returns the owner identifier.
func (owner TokenOwner) ID() string {
	return owner.id
}

// String renders the composite key form.
func (owner TokenOwner) String() string {
	return owner.kind.String() + ":" + owner.id
}

// TokenAmount is a strictly positive token quantity.
type TokenAmount int64

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 returns the raw quantity.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// BalancePool selects the free or paid bucket of a balance.
type BalancePool string

const (
	PoolFree BalancePool = "free"
	PoolPaid BalancePool = "paid"
)

// ParseBalancePool validates a raw pool tag.
func ParseBalancePool(raw string) (BalancePool, error) {
	switch BalancePool(raw) {
	case PoolFree, PoolPaid:
		return BalancePool(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPool, raw)
	}
}

// String returns the pool tag.
func (pool BalancePool) String() string {
	return string(pool)
}

// TokenBalance is the stored balance view for an owner.
// Balance always equals FreeBalance + PaidBalance.
type TokenBalance struct {
	Owner                       TokenOwner
	FreeBalance                 int64
	PaidBalance                 int64
	Balance                     int64
	TotalConsumed               int64
	MonthlyConsumed             int64
	FreeBalanceResetUnixUTC     int64
	MonthlyConsumedResetUnixUTC int64
}

// BalanceUpdate carries the full post-write state of a balance row.
type BalanceUpdate struct {
	FreeBalance                 int64
	PaidBalance                 int64
	Balance                     int64
	TotalConsumed               int64
	MonthlyConsumed             int64
	FreeBalanceResetUnixUTC     int64
	MonthlyConsumedResetUnixUTC int64
}

// Validate enforces the pool invariant on every write.
func (update BalanceUpdate) Validate() error {
	if update.FreeBalance < 0 || update.PaidBalance < 0 {
		return fmt.Errorf("%w: negative pool", ErrInvalidBalance)
	}
	if update.Balance != update.FreeBalance+update.PaidBalance {
		return fmt.Errorf("%w: balance does not equal free plus paid", ErrInvalidBalance)
	}
	return nil
}

// TokenPackage is a purchasable token bundle.
type TokenPackage struct {
	PackageID     string
	Name          string
	TokenAmount   int64
	PriceCents    int64
	StripePriceID string
	DiscountRate  float64
	Active        bool
}

// Purchasable reports whether a checkout session can be issued for the package.
func (tokenPackage TokenPackage) Purchasable() bool {
	return tokenPackage.Active && strings.TrimSpace(tokenPackage.StripePriceID) != ""
}

// TransactionType enumerates ledger mutation kinds.
type TransactionType string

const (
	TransactionPurchase       TransactionType = "purchase"
	TransactionConsumption    TransactionType = "consumption"
	TransactionGrant          TransactionType = "grant"
	TransactionRefundReversal TransactionType = "refund_reversal"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionConsumption, TransactionGrant, TransactionRefundReversal:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the type tag.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionMeta describes the mutation being applied to a balance.
type TransactionMeta struct {
	Type         TransactionType
	Description  string
	Reference    string
	PriceCents   int64
	MetadataJSON string
}

// NormalizeMetadataJSON defaults empty metadata to "{}" and validates it.
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// Transaction is a single immutable line in the transaction log.
type Transaction struct {
	TransactionID  string
	Owner          TokenOwner
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	Description    string
	Reference      string
	PriceCents     int64
	MetadataJSON   string
	CreatedUnixUTC int64
}

// PurchaseRequestStatus defines the purchase-approval lifecycle.
type PurchaseRequestStatus string

const (
	RequestPending   PurchaseRequestStatus = "pending"
	RequestApproved  PurchaseRequestStatus = "approved"
	RequestRejected  PurchaseRequestStatus = "rejected"
	RequestCancelled PurchaseRequestStatus = "cancelled"
)

// ParsePurchaseRequestStatus validates a raw status tag.
func ParsePurchaseRequestStatus(raw string) (PurchaseRequestStatus, error) {
	switch PurchaseRequestStatus(raw) {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return PurchaseRequestStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRequestStatus, raw)
	}
}

// Terminal reports whether no further transition is permitted.
func (status PurchaseRequestStatus) Terminal() bool {
	return status != RequestPending
}

// String returns the status tag.
func (status PurchaseRequestStatus) String() string {
	return string(status)
}

// PurchaseRequest is a restricted member's request to buy a package.
// Package amount and price are captured by value at request time.
type PurchaseRequest struct {
	RequestID         string
	ChildID           string
	PackageID         string
	TokenAmount       int64
	PriceCents        int64
	Status            PurchaseRequestStatus
	RequestedUnixUTC  int64
	DecidedUnixUTC    int64
	DecidedBy         string
	RejectionReason   string
	CheckoutSessionID string
}

// Decision stamps a terminal transition on a purchase request.
type Decision struct {
	DecidedBy       string
	DecidedUnixUTC  int64
	RejectionReason string
}

// WebhookOutcome records how a processor event was settled.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeSkipped   WebhookOutcome = "skipped"
	OutcomeUnhandled WebhookOutcome = "unhandled"
)

// ParseWebhookOutcome validates a raw outcome tag.
func ParseWebhookOutcome(raw string) (WebhookOutcome, error) {
	switch WebhookOutcome(raw) {
	case OutcomeApplied, OutcomeSkipped, OutcomeUnhandled:
		return WebhookOutcome(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
	}
}

// String returns the outcome tag.
func (outcome WebhookOutcome) String() string {
	return string(outcome)
}

// WebhookRecord is a dedup-ledger row keyed by the processor's event id.
type WebhookRecord struct {
	EventID          string
	Type             string
	Outcome          WebhookOutcome
	ProcessedUnixUTC int64
}

// PurchaseStats aggregates monthly purchase and usage figures for an owner.
type PurchaseStats struct {
	MonthlyPurchaseCents  int64
	MonthlyPurchaseTokens int64
	MonthlyUsage          int64
}

// CheckoutSession is the redirect handle returned by the payment processor.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// CheckoutParams carries the purchase context into the payment processor.
type CheckoutParams struct {
	UserID      string
	PackageID   string
	PriceID     string
	TokenAmount int64
}

// PaymentGateway creates checkout sessions with the external processor.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
}

// OwnerResolver maps a purchasing user to the owner whose balance is credited.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, userID string) (TokenOwner, error)
}

// OwnerResolverFunc adapts a function to OwnerResolver.
type OwnerResolverFunc func(ctx context.Context, userID string) (TokenOwner, error)

// ResolveOwner calls the wrapped function.
func (fn OwnerResolverFunc) ResolveOwner(ctx context.Context, userID string) (TokenOwner, error) {
	return fn(ctx, userID)
}

// RelationshipPolicy answers guardian/child authorization questions.
// The concrete rule is external policy data injected as a capability.
type RelationshipPolicy interface {
	RequiresApproval(ctx context.Context, userID string) (bool, error)
	CanDecide(ctx context.Context, guardianID string, childID string) (bool, error)
	Wards(ctx context.Context, guardianID string) ([]string, error)
}

// PurchaseApprovedEvent is emitted when a guardian approves a request.
// Notification and gamification collaborators subscribe to it.
type PurchaseApprovedEvent struct {
	RequestID   string
	ChildID     string
	PackageID   string
	TokenAmount int64
	DecidedBy   string
}

// EventSink receives workflow events for out-of-core collaborators.
type EventSink interface {
	PurchaseApproved(ctx context.Context, event PurchaseApprovedEvent)
}

// Store is the persistence contract used by the token services.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateBalance(ctx context.Context, owner TokenOwner, initial BalanceUpdate) (TokenBalance, error)
	GetBalanceForUpdate(ctx context.Context, owner TokenOwner) (TokenBalance, error)
	UpdateBalance(ctx context.Context, owner TokenOwner, update BalanceUpdate) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, owner TokenOwner, beforeUnixUTC int64, limit int) ([]Transaction, error)
	PurchaseStats(ctx context.Context, owner TokenOwner, sinceUnixUTC int64) (PurchaseStats, error)

	FindPackage(ctx context.Context, packageID string) (TokenPackage, error)
	ListPackages(ctx context.Context) ([]TokenPackage, error)

	CreatePurchaseRequest(ctx context.Context, request PurchaseRequest) error
	GetPurchaseRequest(ctx context.Context, requestID string) (PurchaseRequest, error)
	ListPurchaseRequestsByChild(ctx context.Context, childID string) ([]PurchaseRequest, error)
	ListPendingPurchaseRequests(ctx context.Context, childIDs []string) ([]PurchaseRequest, error)
	TransitionPurchaseRequest(ctx context.Context, requestID string, from PurchaseRequestStatus, to PurchaseRequestStatus, decision Decision) error
	SetCheckoutSession(ctx context.Context, requestID string, sessionID string) error

	GetWebhookEvent(ctx context.Context, eventID string) (WebhookRecord, bool, error)
	RecordWebhookEvent(ctx context.Context, record WebhookRecord) error
}
