package core

import "strings"

// RegionFilter keeps the rules authored for the geography described by ctx.
//
// A western context without a China sub-region keeps only rules that target
// the western region and carry no China-specific conditions. A context with a
// China sub-region keeps rules for that exact sub-region, or rules without a
// sub-region that use solar terms or target east_asia. An east_asia context
// without a sub-region keeps east_asia, china_region and solar_term rules.
// Any other region passes every rule through unchanged.
func RegionFilter(rules []Rule, ctx Context) []Rule {
	keep := regionPredicate(ctx)
	if keep == nil {
		out := make([]Rule, len(rules))
		copy(out, rules)
		return out
	}

	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if keep(rule) {
			out = append(out, rule)
		}
	}

	return out
}

func regionPredicate(ctx Context) func(Rule) bool {
	region := normalize(ctx.Region)
	subregion := normalize(ctx.ChinaSubregion)

	switch {
	case region == RegionWestern && subregion == "":
		return func(rule Rule) bool {
			return hasRegion(rule, RegionWestern) &&
				!hasConditionType(rule, ConditionChinaRegion) &&
				!hasConditionType(rule, ConditionSolarTerm)
		}
	case subregion != "":
		return func(rule Rule) bool {
			if hasConditionType(rule, ConditionChinaRegion) {
				return hasChinaRegion(rule, subregion)
			}
			return hasConditionType(rule, ConditionSolarTerm) || hasRegion(rule, RegionEastAsia)
		}
	case region == RegionEastAsia:
		return func(rule Rule) bool {
			return hasRegion(rule, RegionEastAsia) ||
				hasConditionType(rule, ConditionChinaRegion) ||
				hasConditionType(rule, ConditionSolarTerm)
		}
	default:
		return nil
	}
}

func hasConditionType(rule Rule, conditionType ConditionType) bool {
	for _, condition := range rule.Conditions {
		if condition.Type == conditionType {
			return true
		}
	}
	return false
}

func hasRegion(rule Rule, region string) bool {
	for _, condition := range rule.Conditions {
		if condition.Type == ConditionRegion && conditionMatches(condition, region) {
			return true
		}
	}
	return false
}

func hasChinaRegion(rule Rule, subregion string) bool {
	for _, condition := range rule.Conditions {
		if condition.Type == ConditionChinaRegion && conditionMatches(condition, subregion) {
			return true
		}
	}
	return false
}

func conditionMatches(condition Condition, value string) bool {
	switch strings.TrimSpace(condition.Operator) {
	case OperatorIn:
		for _, candidate := range strings.Split(condition.Value, ",") {
			if normalize(candidate) == value {
				return true
			}
		}
		return false
	default:
		return normalize(condition.Value) == value
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
