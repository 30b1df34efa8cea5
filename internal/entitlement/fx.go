package entitlement

import (
	"github.com/georgmattin/letscoldcall/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(service.NewEngine),
)
