package reconcile

import (
	"github.com/georgmattin/letscoldcall/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconcile",
	fx.Provide(service.NewService),
)
