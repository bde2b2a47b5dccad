package penalty

import (
	"go.uber.org/fx"
)

var Module = fx.Module("penalty.service",
	fx.Provide(NewService),
)

// SchedulerModule runs the interval enqueue loop; only the worker process
// mounts it.
var SchedulerModule = fx.Module("penalty.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
