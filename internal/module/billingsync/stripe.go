package billingsync

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/subscription"

	"github.com/klarpost/server/internal/shared/config"
	apperrors "github.com/klarpost/server/internal/shared/errors"
)

// Provider speaks to the external billing system.
type Provider interface {
	// FindCustomerByEmail returns the billing customer for an email, or nil
	// when no customer exists yet.
	FindCustomerByEmail(ctx context.Context, email string) (*ProviderCustomer, error)
	// ListSubscriptions returns every subscription of a customer, regardless
	// of status.
	ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
}

// StripeProvider implements Provider against the Stripe API. Every call is
// bounded by a timeout and routed through a circuit breaker, so a Stripe
// outage surfaces quickly as UPSTREAM_UNAVAILABLE instead of hanging callers.
type StripeProvider struct {
	callTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker[any]
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(cfg *config.StripeConfig) *StripeProvider {
	stripe.Key = cfg.APIKey

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &StripeProvider{
		callTimeout: callTimeout,
		breaker:     gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (p *StripeProvider) FindCustomerByEmail(ctx context.Context, email string) (*ProviderCustomer, error) {
	result, err := p.execute(ctx, func(ctx context.Context) (any, error) {
		params := &stripe.CustomerListParams{
			ListParams: stripe.ListParams{Context: ctx},
			Email:      stripe.String(email),
		}
		params.Limit = stripe.Int64(1)

		it := customer.List(params)
		for it.Next() {
			c := it.Customer()
			return &ProviderCustomer{ID: c.ID, Email: c.Email}, nil
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("list customers: %w", err)
		}
		return (*ProviderCustomer)(nil), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ProviderCustomer), nil
}

func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	result, err := p.execute(ctx, func(ctx context.Context) (any, error) {
		params := &stripe.SubscriptionListParams{
			ListParams: stripe.ListParams{Context: ctx},
			Customer:   stripe.String(customerID),
			Status:     stripe.String("all"),
		}

		var subs []ProviderSubscription
		it := subscription.List(params)
		for it.Next() {
			s := it.Subscription()
			ps := ProviderSubscription{
				ID:               s.ID,
				Status:           string(s.Status),
				CurrentPeriodEnd: time.Unix(s.CurrentPeriodEnd, 0).UTC(),
			}
			if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
				ps.PriceID = s.Items.Data[0].Price.ID
			}
			subs = append(subs, ps)
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]ProviderSubscription), nil
}

// execute runs a Stripe call under the breaker with a bounded deadline. Any
// failure, including an open breaker, maps to UPSTREAM_UNAVAILABLE.
func (p *StripeProvider) execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (any, error) {
		return fn(callCtx)
	})
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("stripe", err)
	}
	return result, nil
}
