package entitlements

import "strings"

type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// QuotaLimits is the fixed per-plan allowance for every quota dimension.
type QuotaLimits struct {
	Sites        int64
	Posts        int64
	Members      int64
	StorageBytes int64
	APICalls     int64
}

// FreeTierLimits is what every organization falls back to on downgrade.
var FreeTierLimits = QuotaLimits{
	Sites:        1,
	Posts:        100,
	Members:      1,
	StorageBytes: 1 << 30, // 1 GiB
	APICalls:     10000,
}

var planLimits = map[Plan]QuotaLimits{
	PlanFree: FreeTierLimits,
	PlanPro: {
		Sites:        5,
		Posts:        5000,
		Members:      10,
		StorageBytes: 50 << 30,
		APICalls:     500000,
	},
	PlanBusiness: {
		Sites:        25,
		Posts:        100000,
		Members:      100,
		StorageBytes: 500 << 30,
		APICalls:     5000000,
	},
}

// LimitsFor returns the quota limits for a plan, falling back to free-tier
// limits for unknown plans.
func LimitsFor(plan Plan) QuotaLimits {
	if limits, ok := planLimits[NormalizePlan(string(plan))]; ok {
		return limits
	}
	return FreeTierLimits
}

// NormalizePlan maps arbitrary input to a known plan, defaulting to free.
func NormalizePlan(plan string) Plan {
	switch strings.ToLower(strings.TrimSpace(plan)) {
	case string(PlanPro):
		return PlanPro
	case string(PlanBusiness):
		return PlanBusiness
	default:
		return PlanFree
	}
}

// PlanRank orders plans so callers can pick the best entitling subscription.
func PlanRank(plan Plan) int {
	switch NormalizePlan(string(plan)) {
	case PlanBusiness:
		return 2
	case PlanPro:
		return 1
	default:
		return 0
	}
}
