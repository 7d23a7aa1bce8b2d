package compile

import (
	"regexp/syntax"

	"github.com/darkermemo/huntql/common/apperr"
)

// Guard names reported in safety_rejected details.
const (
	GuardTenantScope = "tenant_scope"
	GuardTimeSpan    = "time_span"
	GuardRegexCost   = "regex_complexity"
	GuardScanBudget  = "scan_budget"
)

// guard runs the ordered safety checks over a compiled query. Checks are
// pure and fail fast; the first violation is reported, not all of them.
func (c *Compiler) guard(cq *CompiledQuery, authScope string) error {
	if authScope != "" && authScope != cq.TenantID {
		return apperr.SafetyRejected(GuardTenantScope,
			"query tenant %q is outside the caller's scope", cq.TenantID)
	}

	if span := cq.TimeResolved.Span(); span > c.maxSpan {
		return apperr.SafetyRejected(GuardTimeSpan,
			"time span %s exceeds the maximum %s", span, c.maxSpan)
	}

	regexCap := c.maxRegexCost
	if cq.regexBudget > 0 && cq.regexBudget < regexCap {
		regexCap = cq.regexBudget
	}
	for _, pattern := range cq.regexPatterns {
		cost, err := regexCost(pattern)
		if err != nil {
			return apperr.Validation("invalid regex %q: %s", pattern, err.Error())
		}
		if cost > regexCap {
			return apperr.SafetyRejected(GuardRegexCost,
				"regex %q complexity %d exceeds the maximum %d", pattern, cost, regexCap)
		}
	}

	if budget := c.budgetFor(cq.TenantID); cq.EstimatedCost > budget {
		return apperr.SafetyRejected(GuardScanBudget,
			"estimated cost %.0f exceeds the tenant budget %.0f", cq.EstimatedCost, budget)
	}
	return nil
}

func (c *Compiler) budgetFor(tenantID string) float64 {
	if b, ok := c.budgets[tenantID]; ok {
		return b
	}
	return c.defaultBudget
}

// regexCost estimates pattern complexity from the parsed syntax tree.
// Unbounded repetition over a subtree multiplies its weight, so nested
// quantifiers blow past the cap quickly.
func regexCost(pattern string) (int, error) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return 0, err
	}
	return costOf(re), nil
}

func costOf(re *syntax.Regexp) int {
	cost := 1
	for _, sub := range re.Sub {
		cost += costOf(sub)
	}
	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		cost *= 8
	case syntax.OpRepeat:
		max := re.Max
		if max < 0 {
			max = 8
		}
		if max > 1 {
			cost *= max
		}
	case syntax.OpAlternate:
		cost += len(re.Sub)
	}
	return cost
}
