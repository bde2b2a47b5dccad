package extension

import (
	"go.uber.org/fx"
)

var Module = fx.Module("extension.service",
	fx.Provide(NewService),
)
