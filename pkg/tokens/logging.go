package tokens

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing token operation.
type OperationLog struct {
	Operation string
	Owner     TokenOwner
	UserID    string
	RequestID string
	EventID   string
	Amount    int64
	Reference string
	Status    string
	Error     error
}

const (
	operationStatusOK    = "ok"
	operationStatusError = "error"

	operationCredit       = "credit"
	operationDebit        = "debit"
	operationResetMonthly = "reset_monthly"
	operationCreate       = "create_request"
	operationApprove      = "approve_request"
	operationReject       = "reject_request"
	operationCancel       = "cancel_request"
	operationCheckout     = "issue_checkout"
	operationReconcile    = "reconcile_event"
)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMonthlyGrant overrides the recurring free-pool grant amount.
func WithMonthlyGrant(amount int64) ServiceOption {
	return func(service *Service) {
		if amount > 0 {
			service.monthlyGrant = amount
		}
	}
}
