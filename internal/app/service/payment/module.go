package payment

import "go.uber.org/fx"

var Module = fx.Options(
	fx.Provide(NewStripeProvider),
	fx.Provide(NewGooglePlayProvider),
	fx.Provide(NewReconciler),
	// Stripe is the intent-creating provider; Play purchases enter through
	// token verification instead.
	fx.Provide(func(s *StripeProvider) Provider { return s }),
)
