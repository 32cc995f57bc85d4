package ratelimit

// Rule names used across the platform.
const (
	RuleTaskCreation = "task_creation"
	RuleAPIRequests  = "api_requests"
	RuleWSConnect    = "ws_connect"
	RuleSwarmExecute = "swarm_execute"
)

// DefaultRules builds the platform admission rules from per-window
// request counts. Zero counts fall back to safe defaults.
func DefaultRules(taskPerMin, apiPerMin, wsPerMin, swarmPer5Min int) []Rule {
	if taskPerMin <= 0 {
		taskPerMin = 30
	}
	if apiPerMin <= 0 {
		apiPerMin = 100
	}
	if wsPerMin <= 0 {
		wsPerMin = 10
	}
	if swarmPer5Min <= 0 {
		swarmPer5Min = 5
	}
	return []Rule{
		{Name: RuleTaskCreation, WindowMs: 60_000, MaxRequests: float64(taskPerMin), KeyType: KeyUser, OnExceed: ModeReject},
		{Name: RuleAPIRequests, WindowMs: 60_000, MaxRequests: float64(apiPerMin), KeyType: KeyIP, OnExceed: ModeReject},
		{Name: RuleWSConnect, WindowMs: 60_000, MaxRequests: float64(wsPerMin), KeyType: KeyIP, OnExceed: ModeReject},
		{Name: RuleSwarmExecute, WindowMs: 300_000, MaxRequests: float64(swarmPer5Min), KeyType: KeyUser, OnExceed: ModeReject},
	}
}
