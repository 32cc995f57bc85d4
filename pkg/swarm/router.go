package swarm

import (
	"strings"
)

// Constraints narrow a routing decision.
type Constraints struct {
	// AllowedModels restricts the candidate set. Empty means the whole
	// catalog is eligible.
	AllowedModels []string
	// TokenBudget is the budget the delegation will run under; used for
	// the cost estimate.
	TokenBudget int64
	// Context is the context text that will accompany the task.
	Context string
}

// Decision is a router's advisory pick. The manager only applies the
// override when Confidence >= 0.5; below that the profile's default
// model wins.
type Decision struct {
	SelectedModel    string  `json:"selectedModel"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
	Confidence       float64 `json:"confidence"`
}

// ModelRouter picks a model for a task. Implementations must be
// side-effect free; routing happens inside cost estimation too.
type ModelRouter interface {
	Route(task string, c Constraints) Decision
}

// Capability tiers, cheapest first.
const (
	tierLight = iota
	tierGeneral
	tierReasoning
)

// ModelCost is one catalog row. Prices are USD per million tokens.
type ModelCost struct {
	Model         string
	PromptUSD     float64
	CompletionUSD float64
	Tier          int
}

// defaultCatalog mirrors public per-million pricing at the time of
// writing. Overridable via NewHeuristicRouter.
var defaultCatalog = []ModelCost{
	{Model: "claude-haiku-4-5", PromptUSD: 1.00, CompletionUSD: 5.00, Tier: tierLight},
	{Model: "claude-sonnet-4-5", PromptUSD: 3.00, CompletionUSD: 15.00, Tier: tierGeneral},
	{Model: "claude-opus-4-1", PromptUSD: 15.00, CompletionUSD: 75.00, Tier: tierReasoning},
}

// Keyword families scored by the heuristic. Hits push the task toward
// the tier and raise confidence.
var (
	reasoningSignals = []string{
		"architect", "design", "debug", "root cause", "security", "audit",
		"review", "prove", "strategy", "analyze", "analyse", "complex",
		"trade-off", "tradeoff", "plan",
	}
	lightSignals = []string{
		"summarize", "summarise", "list", "extract", "translate",
		"classify", "format", "rename", "rewrite", "shorten",
	}
)

// HeuristicRouter scores a task by keyword families and length against
// a static cost catalog. No network, no model calls.
type HeuristicRouter struct {
	catalog []ModelCost
}

// NewHeuristicRouter builds a router over catalog; nil or empty uses
// the default catalog.
func NewHeuristicRouter(catalog []ModelCost) *HeuristicRouter {
	if len(catalog) == 0 {
		catalog = defaultCatalog
	}
	return &HeuristicRouter{catalog: catalog}
}

func (h *HeuristicRouter) Route(task string, c Constraints) Decision {
	lower := strings.ToLower(task)

	reasoningHits := countSignals(lower, reasoningSignals)
	lightHits := countSignals(lower, lightSignals)

	tier := tierGeneral
	hits := 0
	switch {
	case reasoningHits > lightHits:
		tier = tierReasoning
		hits = reasoningHits
	case lightHits > reasoningHits:
		tier = tierLight
		hits = lightHits
	}

	// Long tasks or heavy context want more capable models regardless
	// of wording.
	if len(task)+len(c.Context) > 6000 && tier < tierReasoning {
		tier++
	}

	confidence := 0.3 + 0.15*float64(hits)
	if confidence > 0.9 {
		confidence = 0.9
	}

	pick, ok := h.pick(tier, c.AllowedModels)
	if !ok {
		return Decision{}
	}
	return Decision{
		SelectedModel:    pick.Model,
		EstimatedCostUSD: estimateCost(pick, c.TokenBudget),
		Confidence:       confidence,
	}
}

// pick returns the cheapest allowed model at or above tier, falling
// back to the most capable allowed model below it.
func (h *HeuristicRouter) pick(tier int, allowed []string) (ModelCost, bool) {
	isAllowed := func(model string) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == model {
				return true
			}
		}
		return false
	}

	var best ModelCost
	found := false
	for _, mc := range h.catalog {
		if !isAllowed(mc.Model) || mc.Tier < tier {
			continue
		}
		if !found || mc.Tier < best.Tier || (mc.Tier == best.Tier && mc.PromptUSD < best.PromptUSD) {
			best, found = mc, true
		}
	}
	if found {
		return best, true
	}
	for _, mc := range h.catalog {
		if !isAllowed(mc.Model) {
			continue
		}
		if !found || mc.Tier > best.Tier {
			best, found = mc, true
		}
	}
	return best, found
}

// estimateCost assumes the usual 3:1 prompt-to-completion split.
func estimateCost(mc ModelCost, budget int64) float64 {
	if budget <= 0 {
		return 0
	}
	prompt := float64(budget) * 0.75 / 1e6
	completion := float64(budget) * 0.25 / 1e6
	return prompt*mc.PromptUSD + completion*mc.CompletionUSD
}

func countSignals(text string, signals []string) int {
	n := 0
	for _, s := range signals {
		if strings.Contains(text, s) {
			n++
		}
	}
	return n
}
