package sweeper

import "go.uber.org/fx"

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(func(*Sweeper) {}),
)
