package rediskey

// Settlement keys (global convention across processes)
const (
	SweepLockKey = "penalty:sweep:lock"
)
