package payment

import (
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	"github.com/georgmattin/letscoldcall/internal/payment/adapters/stripe"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	"github.com/georgmattin/letscoldcall/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(
		newRegistry,
		webhook.NewService,
	),
)

func newRegistry(cfg config.Config, log *zap.Logger, clk clock.Clock) *paymentdomain.Registry {
	adapters := []paymentdomain.Adapter{}
	if adapter, err := stripe.NewAdapter(cfg.Payment.StripeWebhookSecret, clk); err == nil {
		adapters = append(adapters, adapter)
	} else {
		log.Warn("stripe webhook adapter disabled", zap.Error(err))
	}
	return paymentdomain.NewRegistry(adapters...)
}
