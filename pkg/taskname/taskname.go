package taskname

const (
	// Penalty tasks
	PenaltySweepRun = "penalty:sweep:run"

	// Notification tasks
	NotifyStakeCompleted    = "notify:stake:completed"
	NotifyStakePenalized    = "notify:stake:penalized"
	NotifyStakeExpired      = "notify:stake:expired"
	NotifyEscrowHeld        = "notify:escrow:held"
	NotifyAppealDecided     = "notify:appeal:decided"
	NotifyExtensionGranted  = "notify:extension:granted"
	NotifyPartialSettlement = "notify:stake:partial"
)
