package core

import (
	"sort"
	"strings"
)

// DefaultTopLimit is the number of distinct targets RankTopTargets returns
// when called with a non-positive limit.
const DefaultTopLimit = 5

// Resolve chains the region filter, the active subset, the ranking and the
// hero message over one rule/context payload.
func Resolve(rules []Rule, ctx Context, limit int) Resolution {
	filtered := RegionFilter(rules, ctx)
	active := ActiveSubset(filtered)
	hero, ok := HeroMessage(active)

	return Resolution{
		Filtered: filtered,
		Active:   active,
		Top:      RankTopTargets(active, limit),
		Hero:     hero,
		HasHero:  ok,
	}
}

// ActiveSubset returns the rules the rule service flagged as matching the
// current context.
func ActiveSubset(rules []Rule) []Rule {
	active := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.MatchesCurrent {
			active = append(active, rule)
		}
	}

	return active
}

// RankTopTargets returns up to limit distinct targets ordered by priority,
// highest first. Rules with equal priority keep their input order, so the
// first occurrence of a target at its highest priority wins.
func RankTopTargets(active []Rule, limit int) []RankedTarget {
	if limit <= 0 {
		limit = DefaultTopLimit
	}

	sorted := byPriority(active)
	top := make([]RankedTarget, 0, min(limit, len(sorted)))
	seen := make(map[string]struct{}, len(sorted))

	for _, rule := range sorted {
		if len(top) >= limit {
			break
		}

		targetID := rule.Action.TargetID
		if _, ok := seen[targetID]; ok {
			continue
		}
		seen[targetID] = struct{}{}

		top = append(top, RankedTarget{
			TargetID: targetID,
			Name:     rule.Name,
			Label:    TargetLabel(targetID),
			Message:  LocalizedMessage(rule.Action.Message),
		})
	}

	return top
}

// HeroMessage returns the localized message of the highest-priority active
// rule that carries one.
func HeroMessage(active []Rule) (string, bool) {
	for _, rule := range byPriority(active) {
		if strings.TrimSpace(rule.Action.Message) == "" {
			continue
		}
		if message := LocalizedMessage(rule.Action.Message); message != "" {
			return message, true
		}
	}

	return "", false
}

func byPriority(rules []Rule) []Rule {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	return sorted
}
