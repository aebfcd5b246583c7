// Package stripegateway adapts the Stripe hosted checkout API to the
// tokens.PaymentGateway contract.
package stripegateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/tokens"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"go.uber.org/zap"
)

// Config for creating a Gateway.
type Config struct {
	SecretKey  string // STRIPE_SECRET_KEY
	SuccessURL string
	CancelURL  string
	Logger     *zap.Logger
}

// Validate checks the configuration.
func (config Config) Validate() error {
	if strings.TrimSpace(config.SecretKey) == "" {
		return fmt.Errorf("%w: secret key is empty", tokens.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.SuccessURL) == "" {
		return fmt.Errorf("%w: success url is empty", tokens.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.CancelURL) == "" {
		return fmt.Errorf("%w: cancel url is empty", tokens.ErrInvalidServiceConfig)
	}
	return nil
}

// Gateway creates one-time payment checkout sessions.
type Gateway struct {
	successURL string
	cancelURL  string
	logger     *zap.Logger
}

// New returns a Gateway and sets the library API key.
func New(config Config) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	stripe.Key = config.SecretKey
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		successURL: config.SuccessURL,
		cancelURL:  config.CancelURL,
		logger:     logger,
	}, nil
}

// CreateCheckoutSession opens a hosted payment session for a token package.
// The metadata carries the purchase context the webhook reconciler reads
// back when the processor confirms payment.
func (gateway *Gateway) CreateCheckoutSession(ctx context.Context, params tokens.CheckoutParams) (tokens.CheckoutSession, error) {
	metadata := map[string]string{
		tokens.MetadataKeyPurchaseType: tokens.PurchaseTypeTokens,
		tokens.MetadataKeyUserID:       params.UserID,
		tokens.MetadataKeyPackageID:    params.PackageID,
		tokens.MetadataKeyTokenAmount:  strconv.FormatInt(params.TokenAmount, 10),
	}
	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(params.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(gateway.successURL),
		CancelURL:  stripe.String(gateway.cancelURL),
		Metadata:   metadata,
	}
	sessionParams.Context = ctx

	session, err := checkoutsession.New(sessionParams)
	if err != nil {
		return tokens.CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}

	gateway.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", params.UserID),
		zap.String("package_id", params.PackageID),
	)
	return tokens.CheckoutSession{
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

var _ tokens.PaymentGateway = (*Gateway)(nil)
