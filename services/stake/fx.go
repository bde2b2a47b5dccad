package stake

import (
	"go.uber.org/fx"
)

var Module = fx.Module("stake.service",
	fx.Provide(NewService),
)
