package appeal

import (
	"go.uber.org/fx"
)

var Module = fx.Module("appeal.service",
	fx.Provide(NewService),
)
