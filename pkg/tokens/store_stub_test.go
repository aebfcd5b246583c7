package tokens

import (
	"context"
	"errors"
	"sort"
	"testing"
)

const testNowUnixUTC int64 = 1_700_000_000

type stubStore struct {
	balances     map[string]TokenBalance
	transactions []Transaction
	packages     map[string]TokenPackage
	requests     map[string]PurchaseRequest
	webhooks     map[string]WebhookRecord
	txErr        error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: map[string]TokenBalance{},
		packages: map[string]TokenPackage{},
		requests: map[string]PurchaseRequest{},
		webhooks: map[string]WebhookRecord{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.txErr != nil {
		return store.txErr
	}
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, owner TokenOwner, initial BalanceUpdate) (TokenBalance, error) {
	if balance, found := store.balances[owner.String()]; found {
		return balance, nil
	}
	balance := balanceFromUpdate(owner, initial)
	store.balances[owner.String()] = balance
	return balance, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, owner TokenOwner) (TokenBalance, error) {
	balance, found := store.balances[owner.String()]
	if !found {
		return TokenBalance{}, errors.New("balance row missing")
	}
	return balance, nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, owner TokenOwner, update BalanceUpdate) error {
	if _, found := store.balances[owner.String()]; !found {
		return errors.New("balance row missing")
	}
	store.balances[owner.String()] = balanceFromUpdate(owner, update)
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, owner TokenOwner, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.Owner == owner && transaction.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, transaction)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedUnixUTC > matched[j].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) PurchaseStats(ctx context.Context, owner TokenOwner, sinceUnixUTC int64) (PurchaseStats, error) {
	stats := PurchaseStats{}
	for _, transaction := range store.transactions {
		if transaction.Owner != owner || transaction.CreatedUnixUTC < sinceUnixUTC {
			continue
		}
		switch transaction.Type {
		case TransactionPurchase:
			stats.MonthlyPurchaseCents += transaction.PriceCents
			stats.MonthlyPurchaseTokens += transaction.Amount
		case TransactionConsumption:
			stats.MonthlyUsage += -transaction.Amount
		}
	}
	return stats, nil
}

func (store *stubStore) FindPackage(ctx context.Context, packageID string) (TokenPackage, error) {
	tokenPackage, found := store.packages[packageID]
	if !found {
		return TokenPackage{}, ErrPackageNotFound
	}
	return tokenPackage, nil
}

func (store *stubStore) ListPackages(ctx context.Context) ([]TokenPackage, error) {
	packages := make([]TokenPackage, 0, len(store.packages))
	for _, tokenPackage := range store.packages {
		packages = append(packages, tokenPackage)
	}
	sort.Slice(packages, func(i, j int) bool {
		return packages[i].PackageID < packages[j].PackageID
	})
	return packages, nil
}

func (store *stubStore) CreatePurchaseRequest(ctx context.Context, request PurchaseRequest) error {
	if _, found := store.requests[request.RequestID]; found {
		return errors.New("duplicate request id")
	}
	store.requests[request.RequestID] = request
	return nil
}

func (store *stubStore) GetPurchaseRequest(ctx context.Context, requestID string) (PurchaseRequest, error) {
	request, found := store.requests[requestID]
	if !found {
		return PurchaseRequest{}, ErrRequestNotFound
	}
	return request, nil
}

func (store *stubStore) ListPurchaseRequestsByChild(ctx context.Context, childID string) ([]PurchaseRequest, error) {
	requests := make([]PurchaseRequest, 0, len(store.requests))
	for _, request := range store.requests {
		if request.ChildID == childID {
			requests = append(requests, request)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedUnixUTC > requests[j].RequestedUnixUTC
	})
	return requests, nil
}

func (store *stubStore) ListPendingPurchaseRequests(ctx context.Context, childIDs []string) ([]PurchaseRequest, error) {
	wanted := map[string]struct{}{}
	for _, childID := range childIDs {
		wanted[childID] = struct{}{}
	}
	requests := make([]PurchaseRequest, 0, len(store.requests))
	for _, request := range store.requests {
		if _, ok := wanted[request.ChildID]; ok && request.Status == RequestPending {
			requests = append(requests, request)
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedUnixUTC > requests[j].RequestedUnixUTC
	})
	return requests, nil
}

func (store *stubStore) TransitionPurchaseRequest(ctx context.Context, requestID string, from PurchaseRequestStatus, to PurchaseRequestStatus, decision Decision) error {
	request, found := store.requests[requestID]
	if !found {
		return ErrRequestNotFound
	}
	if request.Status != from {
		return ErrAlreadyProcessed
	}
	request.Status = to
	request.DecidedBy = decision.DecidedBy
	request.DecidedUnixUTC = decision.DecidedUnixUTC
	request.RejectionReason = decision.RejectionReason
	store.requests[requestID] = request
	return nil
}

func (store *stubStore) SetCheckoutSession(ctx context.Context, requestID string, sessionID string) error {
	request, found := store.requests[requestID]
	if !found {
		return ErrRequestNotFound
	}
	request.CheckoutSessionID = sessionID
	store.requests[requestID] = request
	return nil
}

func (store *stubStore) GetWebhookEvent(ctx context.Context, eventID string) (WebhookRecord, bool, error) {
	record, found := store.webhooks[eventID]
	return record, found, nil
}

func (store *stubStore) RecordWebhookEvent(ctx context.Context, record WebhookRecord) error {
	if _, found := store.webhooks[record.EventID]; found {
		return ErrEventAlreadyRecorded
	}
	store.webhooks[record.EventID] = record
	return nil
}

func (store *stubStore) mustRequest(test *testing.T, requestID string) PurchaseRequest {
	test.Helper()
	request, found := store.requests[requestID]
	if !found {
		test.Fatalf("request %s missing from store", requestID)
	}
	return request
}

func (store *stubStore) mustBalance(test *testing.T, owner TokenOwner) TokenBalance {
	test.Helper()
	balance, found := store.balances[owner.String()]
	if !found {
		test.Fatalf("balance for %s missing from store", owner)
	}
	return balance
}

type stubGateway struct {
	session CheckoutSession
	err     error
	calls   int
	params  []CheckoutParams
}

func (gateway *stubGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error) {
	gateway.calls++
	gateway.params = append(gateway.params, params)
	if gateway.err != nil {
		return CheckoutSession{}, gateway.err
	}
	return gateway.session, nil
}

type stubPolicy struct {
	restricted map[string]bool
	guardians  map[string][]string
}

func (policy *stubPolicy) RequiresApproval(ctx context.Context, userID string) (bool, error) {
	return policy.restricted[userID], nil
}

func (policy *stubPolicy) CanDecide(ctx context.Context, guardianID string, childID string) (bool, error) {
	for _, ward := range policy.guardians[guardianID] {
		if ward == childID {
			return true, nil
		}
	}
	return false, nil
}

func (policy *stubPolicy) Wards(ctx context.Context, guardianID string) ([]string, error) {
	return policy.guardians[guardianID], nil
}

type stubSink struct {
	events []PurchaseApprovedEvent
}

func (sink *stubSink) PurchaseApproved(ctx context.Context, event PurchaseApprovedEvent) {
	sink.events = append(sink.events, event)
}

func testClock() int64 {
	return testNowUnixUTC
}

func mustUserOwner(test *testing.T, userID string) TokenOwner {
	test.Helper()
	owner, err := UserOwner(userID)
	if err != nil {
		test.Fatalf("user owner: %v", err)
	}
	return owner
}

func mustTokenAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	amount, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("token amount: %v", err)
	}
	return amount
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, testClock, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedPackage(store *stubStore) TokenPackage {
	tokenPackage := TokenPackage{
		PackageID:     "pkg-medium",
		Name:          "Medium Pack",
		TokenAmount:   500_000,
		PriceCents:    999,
		StripePriceID: "price_medium",
		Active:        true,
	}
	store.packages[tokenPackage.PackageID] = tokenPackage
	return tokenPackage
}
