package provider

import (
	"sort"
	"time"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthLimited  Health = "limited"
	HealthCritical Health = "critical"
)

// HealthFor thresholds an overall percentage.
func HealthFor(percentage float64) Health {
	switch {
	case percentage >= 50:
		return HealthHealthy
	case percentage >= 25:
		return HealthDegraded
	case percentage >= 10:
		return HealthLimited
	default:
		return HealthCritical
	}
}

// ModelUsage is one visible model inside a group.
type ModelUsage struct {
	Model string     `json:"model"`
	Quota ModelQuota `json:"quota"`
}

// Group aggregates the visible models of one provider.
type Group struct {
	Provider      Info         `json:"provider"`
	Models        []ModelUsage `json:"models"`
	AvgPercentage float64      `json:"avg_percentage"`
	EarliestReset *time.Time   `json:"earliest_reset,omitempty"`
}

// AccountStats is the read-time aggregation of one account's quota.
type AccountStats struct {
	Groups            []Group `json:"groups"`
	OverallPercentage float64 `json:"overall_percentage"`
	HealthStatus      Health  `json:"health_status"`
}

// GroupModelsByProvider buckets visible models by provider prefix.
// Known prefixes come first in registry order; others last. Models
// inside a group sort by name for stable output.
func GroupModelsByProvider(quota Quota, visibility map[string]bool) AccountStats {
	buckets := make(map[string][]ModelUsage)
	for model, mq := range quota {
		if !Visible(model, visibility) {
			continue
		}
		prefix, _ := Detect(model)
		buckets[prefix] = append(buckets[prefix], ModelUsage{Model: model, Quota: mq})
	}

	var groups []Group
	appendGroup := func(info Info, models []ModelUsage) {
		if len(models) == 0 {
			return
		}
		sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })

		var sum float64
		var earliest *time.Time
		for _, m := range models {
			sum += m.Quota.Percentage
			if rt := m.Quota.ResetTime; rt != nil && (earliest == nil || rt.Before(*earliest)) {
				earliest = rt
			}
		}
		groups = append(groups, Group{
			Provider:      info,
			Models:        models,
			AvgPercentage: round1(sum / float64(len(models))),
			EarliestReset: earliest,
		})
	}

	for _, e := range registry {
		appendGroup(e.Info, buckets[e.Prefix])
	}
	appendGroup(OthersInfo, buckets[""])

	overall := quota.Overall(visibility)
	return AccountStats{
		Groups:            groups,
		OverallPercentage: overall,
		HealthStatus:      HealthFor(overall),
	}
}
