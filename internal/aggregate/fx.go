package aggregate

import (
	"github.com/georgmattin/letscoldcall/internal/aggregate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregate",
	fx.Provide(service.NewStore),
)
