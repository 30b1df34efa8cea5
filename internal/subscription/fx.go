package subscription

import (
	"github.com/georgmattin/letscoldcall/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(service.NewService),
)
