package rbac

// Built-in role names.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// SeedRoles returns the default role set. Operators may run and cancel
// their own work; task cancellation is owner-gated through the
// task.userId condition. Viewers only read.
func SeedRoles() map[string][]Permission {
	return map[string][]Permission{
		RoleAdmin: {
			{Resource: "*", Action: "*"},
		},
		RoleOperator: {
			{Resource: ResourceTasks, Action: "create"},
			{Resource: ResourceTasks, Action: "read"},
			{Resource: ResourceTasks, Action: "update"},
			{Resource: ResourceTasks, Action: "cancel", Conditions: []Condition{
				{Field: "task.userId", Operator: OpEq, Value: UserPlaceholder},
			}},
			{Resource: ResourceSwarms, Action: "execute"},
			{Resource: ResourceSwarms, Action: "read"},
			{Resource: ResourceSwarms, Action: "cancel", Conditions: []Condition{
				{Field: "swarm.initiator", Operator: OpEq, Value: UserPlaceholder},
			}},
			{Resource: ResourceAgents, Action: "delegate"},
			{Resource: ResourceAgents, Action: "read"},
			{Resource: ResourceIntegrations, Action: "read"},
			{Resource: ResourceMetrics, Action: "read"},
			{Resource: ResourceAudit, Action: "read"},
			{Resource: ResourceSecurity, Action: "read"},
		},
		RoleViewer: {
			{Resource: ResourceTasks, Action: "read"},
			{Resource: ResourceSwarms, Action: "read"},
			{Resource: ResourceAgents, Action: "read"},
			{Resource: ResourceIntegrations, Action: "read"},
			{Resource: ResourceMetrics, Action: "read"},
			{Resource: ResourceAudit, Action: "read"},
			{Resource: ResourceSecurity, Action: "read"},
		},
	}
}
