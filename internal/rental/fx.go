package rental

import (
	"github.com/georgmattin/letscoldcall/internal/rental/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rental",
	fx.Provide(service.NewService),
)
