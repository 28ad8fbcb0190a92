package engine

// CycleStats aggregates admission outcomes across one cycle.
type CycleStats struct {
	InstancesDue       int `json:"instances_due"`
	InstancesProcessed int `json:"instances_processed"`
	WantedTotal        int `json:"wanted_total"`
	ActionsTriggered   int `json:"actions_triggered"`
	SkippedCooldown    int `json:"actions_skipped_cooldown"`
	SkippedRateLimit   int `json:"actions_skipped_rate_limit"`
	SkippedNotReleased int `json:"actions_skipped_not_released"`
}

// AsMap renders the stats for run-history persistence and progress events.
func (s CycleStats) AsMap() map[string]any {
	return map[string]any{
		"instances_due":                s.InstancesDue,
		"instances_processed":          s.InstancesProcessed,
		"wanted_total":                 s.WantedTotal,
		"actions_triggered":            s.ActionsTriggered,
		"actions_skipped_cooldown":     s.SkippedCooldown,
		"actions_skipped_rate_limit":   s.SkippedRateLimit,
		"actions_skipped_not_released": s.SkippedNotReleased,
	}
}
