package authz

import (
	"fmt"
)

// RequirementRule is the declarative per-transaction-class policy as loaded
// from configuration. RequiredCounts is keyed by initiator role; initiators
// without an entry fall back to DefaultRequiredCount. A zero default with a
// missing entry is a configuration error, not a runtime one.
type RequirementRule struct {
	TransactionType      TransactionType `json:"transaction_type"`
	MandatoryRoles       []Role          `json:"mandatory_roles"`
	AlternateGroups      [][]Role        `json:"alternate_groups"`
	RequiredCounts       map[Role]int    `json:"required_counts"`
	DefaultRequiredCount int             `json:"default_required_count"`
}

// PolicyTable maps transaction types to their signatory rules.
type PolicyTable struct {
	EligibleRoles []Role            `json:"eligible_roles"`
	Rules         []RequirementRule `json:"rules"`

	byType map[TransactionType]RequirementRule
}

// Validate checks the table is internally consistent: every rule's counts are
// at least the mandatory set size and satisfiable by the eligible role pool.
// A failing table must prevent service startup.
func (t *PolicyTable) Validate() error {
	if len(t.Rules) == 0 {
		return fmt.Errorf("%w: no rules defined", ErrPolicyConfig)
	}
	pool := make(map[Role]struct{}, len(t.EligibleRoles))
	for _, r := range t.EligibleRoles {
		pool[r] = struct{}{}
	}
	if len(pool) == 0 {
		return fmt.Errorf("%w: eligible role pool is empty", ErrPolicyConfig)
	}
	t.byType = make(map[TransactionType]RequirementRule, len(t.Rules))
	for _, rule := range t.Rules {
		if rule.TransactionType == "" {
			return fmt.Errorf("%w: rule without transaction type", ErrPolicyConfig)
		}
		if _, dup := t.byType[rule.TransactionType]; dup {
			return fmt.Errorf("%w: duplicate rule for %q", ErrPolicyConfig, rule.TransactionType)
		}
		for _, role := range rule.MandatoryRoles {
			if _, ok := pool[role]; !ok {
				return fmt.Errorf("%w: mandatory role %q not in eligible pool", ErrPolicyConfig, role)
			}
		}
		for _, group := range rule.AlternateGroups {
			if len(group) == 0 {
				return fmt.Errorf("%w: empty alternate group for %q", ErrPolicyConfig, rule.TransactionType)
			}
			for _, role := range group {
				if _, ok := pool[role]; !ok {
					return fmt.Errorf("%w: alternate role %q not in eligible pool", ErrPolicyConfig, role)
				}
			}
		}
		counts := make([]int, 0, len(rule.RequiredCounts)+1)
		if rule.DefaultRequiredCount > 0 {
			counts = append(counts, rule.DefaultRequiredCount)
		}
		for _, c := range rule.RequiredCounts {
			counts = append(counts, c)
		}
		if len(counts) == 0 {
			return fmt.Errorf("%w: rule for %q has no required counts", ErrPolicyConfig, rule.TransactionType)
		}
		for _, c := range counts {
			if c < len(dedupeRoles(rule.MandatoryRoles)) {
				return fmt.Errorf("%w: required count %d below mandatory set size for %q",
					ErrPolicyConfig, c, rule.TransactionType)
			}
			if c > len(pool) {
				return fmt.Errorf("%w: required count %d exceeds eligible pool of %d for %q",
					ErrPolicyConfig, c, len(pool), rule.TransactionType)
			}
		}
		t.byType[rule.TransactionType] = rule
	}
	return nil
}

// RequirementFor resolves the requirement snapshot for one session: the rule
// for the transaction type with the count bound to the initiator role.
func (t *PolicyTable) RequirementFor(txType TransactionType, initiator Role) (Requirement, error) {
	if t.byType == nil {
		if err := t.Validate(); err != nil {
			return Requirement{}, err
		}
	}
	rule, ok := t.byType[txType]
	if !ok {
		return Requirement{}, fmt.Errorf("%w: no rule for transaction type %q", ErrPolicyConfig, txType)
	}
	count, err := rule.RequiredCountFor(initiator)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{
		RequiredCount:   count,
		MandatoryRoles:  dedupeRoles(rule.MandatoryRoles),
		AlternateGroups: rule.AlternateGroups,
	}, nil
}

// RequiredCountFor looks up the signatory count for an initiator. The
// observed rule is deliberate: president-initiated transactions take fewer
// signatories than anyone else's, because the extra check applies when the
// most powerful role is not the proposer.
func (r RequirementRule) RequiredCountFor(initiator Role) (int, error) {
	if c, ok := r.RequiredCounts[initiator]; ok {
		return c, nil
	}
	if r.DefaultRequiredCount > 0 {
		return r.DefaultRequiredCount, nil
	}
	return 0, fmt.Errorf("%w: no required count for initiator %q", ErrPolicyConfig, initiator)
}

// Satisfied is the threshold decision: total count met, every mandatory role
// present, and every alternate group intersected. Pure and total; adding a
// role to authorized can never turn a true result false.
func Satisfied(authorized map[Role]struct{}, req Requirement) bool {
	if len(authorized) < req.RequiredCount {
		return false
	}
	for _, role := range req.MandatoryRoles {
		if _, ok := authorized[role]; !ok {
			return false
		}
	}
	for _, group := range req.AlternateGroups {
		matched := false
		for _, role := range group {
			if _, ok := authorized[role]; ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func dedupeRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(roles))
	var out []Role
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
