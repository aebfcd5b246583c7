package tokens

import (
	"context"
	"fmt"
	"strings"
)

// CheckoutIssuer turns an approved purchase into a hosted checkout session.
type CheckoutIssuer struct {
	store   Store
	gateway PaymentGateway
}

// NewCheckoutIssuer wires a CheckoutIssuer.
func NewCheckoutIssuer(store Store, gateway PaymentGateway) (*CheckoutIssuer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	return &CheckoutIssuer{store: store, gateway: gateway}, nil
}

// IssueForPackage creates a checkout session for the given package on behalf
// of userID. The session metadata carries everything the webhook reconciler
// needs to credit the right balance later.
func (issuer *CheckoutIssuer) IssueForPackage(ctx context.Context, userID string, packageID string) (CheckoutSession, error) {
	if strings.TrimSpace(userID) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	tokenPackage, err := issuer.store.FindPackage(ctx, packageID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if !tokenPackage.Purchasable() {
		return CheckoutSession{}, fmt.Errorf("%w: %s", ErrPackageNotPurchasable, tokenPackage.PackageID)
	}
	session, err := issuer.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		UserID:      userID,
		PackageID:   tokenPackage.PackageID,
		PriceID:     tokenPackage.StripePriceID,
		TokenAmount: tokenPackage.TokenAmount,
	})
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	return session, nil
}
