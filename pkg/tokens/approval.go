package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ApprovalService runs the guardian approval workflow around purchase
// requests. Checkout issuance happens after the approval transaction
// commits, so a processor outage never rolls back a recorded decision.
type ApprovalService struct {
	store  Store
	policy RelationshipPolicy
	issuer *CheckoutIssuer
	sink   EventSink
	nowFn  func() int64
	logger OperationLogger
}

// ApprovalOption configures an ApprovalService instance.
type ApprovalOption func(*ApprovalService)

// WithApprovalLogger wires a logger for approval workflow operations.
func WithApprovalLogger(logger OperationLogger) ApprovalOption {
	return func(service *ApprovalService) {
		service.logger = logger
	}
}

// WithEventSink wires a sink that receives workflow events after commit.
func WithEventSink(sink EventSink) ApprovalOption {
	return func(service *ApprovalService) {
		service.sink = sink
	}
}

// NewApprovalService wires an ApprovalService.
func NewApprovalService(store Store, policy RelationshipPolicy, issuer *CheckoutIssuer, now func() int64, options ...ApprovalOption) (*ApprovalService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if policy == nil {
		return nil, fmt.Errorf("%w: policy dependency is nil", ErrInvalidServiceConfig)
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: issuer dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &ApprovalService{store: store, policy: policy, issuer: issuer, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Create records a pending purchase request for a restricted member.
// Package amount and price are captured by value so later catalog edits
// do not change what was requested.
func (service *ApprovalService) Create(ctx context.Context, childID string, packageID string) (PurchaseRequest, error) {
	request, operationError := service.create(ctx, childID, packageID)
	service.logOperation(ctx, OperationLog{
		Operation: operationCreate,
		UserID:    childID,
		RequestID: request.RequestID,
		Error:     operationError,
	})
	return request, operationError
}

func (service *ApprovalService) create(ctx context.Context, childID string, packageID string) (PurchaseRequest, error) {
	if strings.TrimSpace(childID) == "" {
		return PurchaseRequest{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	restricted, err := service.policy.RequiresApproval(ctx, childID)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if !restricted {
		// Unrestricted members check out directly; a request has no decider.
		return PurchaseRequest{}, ErrNotAuthorized
	}
	tokenPackage, err := service.store.FindPackage(ctx, packageID)
	if err != nil {
		return PurchaseRequest{}, err
	}
	if !tokenPackage.Purchasable() {
		return PurchaseRequest{}, fmt.Errorf("%w: %s", ErrPackageNotPurchasable, tokenPackage.PackageID)
	}
	request := PurchaseRequest{
		RequestID:        uuid.NewString(),
		ChildID:          childID,
		PackageID:        tokenPackage.PackageID,
		TokenAmount:      tokenPackage.TokenAmount,
		PriceCents:       tokenPackage.PriceCents,
		Status:           RequestPending,
		RequestedUnixUTC: service.nowFn(),
	}
	if err := service.store.CreatePurchaseRequest(ctx, request); err != nil {
		return PurchaseRequest{}, err
	}
	return request, nil
}

// Approve transitions a pending request to approved and issues a checkout
// session. The approval is durable even when session creation fails; the
// returned error then wraps ErrCheckoutFailed and IssueCheckout can retry.
func (service *ApprovalService) Approve(ctx context.Context, guardianID string, requestID string) (PurchaseRequest, CheckoutSession, error) {
	request, operationError := service.decide(ctx, guardianID, requestID, RequestApproved, "")
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationApprove,
			UserID:    guardianID,
			RequestID: requestID,
			Error:     operationError,
		})
		return PurchaseRequest{}, CheckoutSession{}, operationError
	}
	if service.sink != nil {
		service.sink.PurchaseApproved(ctx, PurchaseApprovedEvent{
			RequestID:   request.RequestID,
			ChildID:     request.ChildID,
			PackageID:   request.PackageID,
			TokenAmount: request.TokenAmount,
			DecidedBy:   guardianID,
		})
	}
	session, checkoutError := service.issueSession(ctx, &request)
	service.logOperation(ctx, OperationLog{
		Operation: operationApprove,
		UserID:    guardianID,
		RequestID: requestID,
		Amount:    request.TokenAmount,
		Error:     checkoutError,
	})
	return request, session, checkoutError
}

// Reject transitions a pending request to rejected with an optional reason.
func (service *ApprovalService) Reject(ctx context.Context, guardianID string, requestID string, reason string) (PurchaseRequest, error) {
	request, operationError := service.decide(ctx, guardianID, requestID, RequestRejected, reason)
	service.logOperation(ctx, OperationLog{
		Operation: operationReject,
		UserID:    guardianID,
		RequestID: requestID,
		Error:     operationError,
	})
	return request, operationError
}

// Cancel lets the requesting member withdraw their own pending request.
func (service *ApprovalService) Cancel(ctx context.Context, childID string, requestID string) (PurchaseRequest, error) {
	var request PurchaseRequest
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetPurchaseRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.ChildID != childID {
			return ErrNotAuthorized
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrAlreadyProcessed, current.Status)
		}
		decision := Decision{DecidedBy: childID, DecidedUnixUTC: service.nowFn()}
		if err := txStore.TransitionPurchaseRequest(ctx, requestID, RequestPending, RequestCancelled, decision); err != nil {
			return err
		}
		current.Status = RequestCancelled
		current.DecidedBy = decision.DecidedBy
		current.DecidedUnixUTC = decision.DecidedUnixUTC
		request = current
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCancel,
		UserID:    childID,
		RequestID: requestID,
		Error:     operationError,
	})
	if operationError != nil {
		return PurchaseRequest{}, operationError
	}
	return request, nil
}

// IssueCheckout creates (or re-creates) a checkout session for an already
// approved request. The requesting member and any deciding guardian may call
// it, typically after a transient processor failure during Approve.
func (service *ApprovalService) IssueCheckout(ctx context.Context, userID string, requestID string) (PurchaseRequest, CheckoutSession, error) {
	request, session, operationError := service.issueCheckout(ctx, userID, requestID)
	service.logOperation(ctx, OperationLog{
		Operation: operationCheckout,
		UserID:    userID,
		RequestID: requestID,
		Error:     operationError,
	})
	return request, session, operationError
}

func (service *ApprovalService) issueCheckout(ctx context.Context, userID string, requestID string) (PurchaseRequest, CheckoutSession, error) {
	request, err := service.store.GetPurchaseRequest(ctx, requestID)
	if err != nil {
		return PurchaseRequest{}, CheckoutSession{}, err
	}
	if request.ChildID != userID {
		allowed, err := service.policy.CanDecide(ctx, userID, request.ChildID)
		if err != nil {
			return PurchaseRequest{}, CheckoutSession{}, err
		}
		if !allowed {
			return PurchaseRequest{}, CheckoutSession{}, ErrNotAuthorized
		}
	}
	switch request.Status {
	case RequestApproved:
	case RequestPending:
		return PurchaseRequest{}, CheckoutSession{}, ErrRequestNotApproved
	default:
		return PurchaseRequest{}, CheckoutSession{}, fmt.Errorf("%w: status %s", ErrAlreadyProcessed, request.Status)
	}
	session, err := service.issueSession(ctx, &request)
	if err != nil {
		return PurchaseRequest{}, CheckoutSession{}, err
	}
	return request, session, nil
}

// issueSession asks the processor for a session and records its id on the
// request. The request value is updated in place on success.
func (service *ApprovalService) issueSession(ctx context.Context, request *PurchaseRequest) (CheckoutSession, error) {
	session, err := service.issuer.IssueForPackage(ctx, request.ChildID, request.PackageID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if err := service.store.SetCheckoutSession(ctx, request.RequestID, session.SessionID); err != nil {
		return CheckoutSession{}, err
	}
	request.CheckoutSessionID = session.SessionID
	return session, nil
}

func (service *ApprovalService) decide(ctx context.Context, guardianID string, requestID string, to PurchaseRequestStatus, reason string) (PurchaseRequest, error) {
	var request PurchaseRequest
	transactionError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetPurchaseRequest(ctx, requestID)
		if err != nil {
			return err
		}
		allowed, err := service.policy.CanDecide(ctx, guardianID, current.ChildID)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrNotAuthorized
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrAlreadyProcessed, current.Status)
		}
		decision := Decision{
			DecidedBy:       guardianID,
			DecidedUnixUTC:  service.nowFn(),
			RejectionReason: strings.TrimSpace(reason),
		}
		if err := txStore.TransitionPurchaseRequest(ctx, requestID, RequestPending, to, decision); err != nil {
			return err
		}
		current.Status = to
		current.DecidedBy = decision.DecidedBy
		current.DecidedUnixUTC = decision.DecidedUnixUTC
		current.RejectionReason = decision.RejectionReason
		request = current
		return nil
	})
	if transactionError != nil {
		return PurchaseRequest{}, transactionError
	}
	return request, nil
}

// PendingForGuardian lists pending requests across the guardian's wards.
func (service *ApprovalService) PendingForGuardian(ctx context.Context, guardianID string) ([]PurchaseRequest, error) {
	wards, err := service.policy.Wards(ctx, guardianID)
	if err != nil {
		return nil, err
	}
	if len(wards) == 0 {
		return []PurchaseRequest{}, nil
	}
	return service.store.ListPendingPurchaseRequests(ctx, wards)
}

// ListForChild lists a member's own requests, newest first.
func (service *ApprovalService) ListForChild(ctx context.Context, childID string) ([]PurchaseRequest, error) {
	return service.store.ListPurchaseRequestsByChild(ctx, childID)
}

// RequiresApproval reports whether the member must route purchases through
// a guardian instead of checking out directly.
func (service *ApprovalService) RequiresApproval(ctx context.Context, userID string) (bool, error) {
	return service.policy.RequiresApproval(ctx, userID)
}

func (service *ApprovalService) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
