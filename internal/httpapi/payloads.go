package httpapi

import (
	"encoding/json"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokens"
)

type balancePayload struct {
	Owner                       string `json:"owner"`
	FreeBalance                 int64  `json:"free_balance"`
	PaidBalance                 int64  `json:"paid_balance"`
	Balance                     int64  `json:"balance"`
	TotalConsumed               int64  `json:"total_consumed"`
	MonthlyConsumed             int64  `json:"monthly_consumed"`
	FreeBalanceResetUnixUTC     int64  `json:"free_balance_reset_unix_utc"`
	MonthlyConsumedResetUnixUTC int64  `json:"monthly_consumed_reset_unix_utc"`
}

func balancePayloadFrom(balance tokens.TokenBalance) balancePayload {
	return balancePayload{
		Owner:                       balance.Owner.String(),
		FreeBalance:                 balance.FreeBalance,
		PaidBalance:                 balance.PaidBalance,
		Balance:                     balance.Balance,
		TotalConsumed:               balance.TotalConsumed,
		MonthlyConsumed:             balance.MonthlyConsumed,
		FreeBalanceResetUnixUTC:     balance.FreeBalanceResetUnixUTC,
		MonthlyConsumedResetUnixUTC: balance.MonthlyConsumedResetUnixUTC,
	}
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	Description    string          `json:"description"`
	Reference      string          `json:"reference"`
	PriceCents     int64           `json:"price_cents"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func transactionPayloadFrom(transaction tokens.Transaction) transactionPayload {
	metadata := transaction.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		Type:           transaction.Type.String(),
		Amount:         transaction.Amount,
		BalanceAfter:   transaction.BalanceAfter,
		Description:    transaction.Description,
		Reference:      transaction.Reference,
		PriceCents:     transaction.PriceCents,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

type packagePayload struct {
	PackageID    string  `json:"package_id"`
	Name         string  `json:"name"`
	TokenAmount  int64   `json:"token_amount"`
	PriceCents   int64   `json:"price_cents"`
	DiscountRate float64 `json:"discount_rate"`
	Purchasable  bool    `json:"purchasable"`
}

func packagePayloadFrom(tokenPackage tokens.TokenPackage) packagePayload {
	return packagePayload{
		PackageID:    tokenPackage.PackageID,
		Name:         tokenPackage.Name,
		TokenAmount:  tokenPackage.TokenAmount,
		PriceCents:   tokenPackage.PriceCents,
		DiscountRate: tokenPackage.DiscountRate,
		Purchasable:  tokenPackage.Purchasable(),
	}
}

type requestPayload struct {
	RequestID         string `json:"request_id"`
	ChildID           string `json:"child_id"`
	PackageID         string `json:"package_id"`
	TokenAmount       int64  `json:"token_amount"`
	PriceCents        int64  `json:"price_cents"`
	Status            string `json:"status"`
	RequestedUnixUTC  int64  `json:"requested_unix_utc"`
	DecidedUnixUTC    int64  `json:"decided_unix_utc,omitempty"`
	DecidedBy         string `json:"decided_by,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`
}

func requestPayloadFrom(request tokens.PurchaseRequest) requestPayload {
	return requestPayload{
		RequestID:         request.RequestID,
		ChildID:           request.ChildID,
		PackageID:         request.PackageID,
		TokenAmount:       request.TokenAmount,
		PriceCents:        request.PriceCents,
		Status:            request.Status.String(),
		RequestedUnixUTC:  request.RequestedUnixUTC,
		DecidedUnixUTC:    request.DecidedUnixUTC,
		DecidedBy:         request.DecidedBy,
		RejectionReason:   request.RejectionReason,
		CheckoutSessionID: request.CheckoutSessionID,
	}
}

func requestPayloadsFrom(requests []tokens.PurchaseRequest) []requestPayload {
	payload := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, requestPayloadFrom(request))
	}
	return payload
}

type sessionPayload struct {
	SessionID   string `json:"session_id"`
	RedirectURL string `json:"redirect_url"`
}

func sessionPayloadFrom(session tokens.CheckoutSession) sessionPayload {
	return sessionPayload{
		SessionID:   session.SessionID,
		RedirectURL: session.RedirectURL,
	}
}
