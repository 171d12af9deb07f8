package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RuleName identifies one of the fixed fraud rules.
type RuleName string

const (
	RuleHighAmount         RuleName = "HIGH_AMOUNT"
	RuleVelocity           RuleName = "VELOCITY"
	RuleGeoJump            RuleName = "GEO_JUMP"
	RuleDeviceSharing      RuleName = "DEVICE_SHARING"
	RuleUnusualTime        RuleName = "UNUSUAL_TIME"
	RuleSuspiciousMerchant RuleName = "SUSPICIOUS_MERCHANT"
)

// canonicalRuleOrder is the order rules are evaluated, reported and serialized in.
var canonicalRuleOrder = []RuleName{
	RuleHighAmount,
	RuleVelocity,
	RuleGeoJump,
	RuleDeviceSharing,
	RuleUnusualTime,
	RuleSuspiciousMerchant,
}

// Rule thresholds.
const (
	HighAmountThreshold    = 5000
	VelocityThreshold      = 5
	DeviceSharingThreshold = 3
	UnusualHourStart       = 2
	UnusualHourEnd         = 5
	VelocityWindow         = time.Hour
	GeoJumpWindow          = 2 * time.Hour
	DeviceSharingWindow    = 7 * 24 * time.Hour
	MaxRiskScore           = 100
	HistoryHorizon         = DeviceSharingWindow
)

// HighRiskMCCs are merchant category codes treated as suspicious
// (gambling, dating/escort, direct marketing, drug stores online).
var HighRiskMCCs = []string{"7995", "7273", "5967", "5912"}

// RuleNames returns all rule names in canonical order.
func RuleNames() []RuleName {
	out := make([]RuleName, len(canonicalRuleOrder))
	copy(out, canonicalRuleOrder)
	return out
}

// Valid reports whether n is one of the fixed rules.
func (n RuleName) Valid() bool {
	return n.rank() >= 0
}

func (n RuleName) rank() int {
	for i, r := range canonicalRuleOrder {
		if r == n {
			return i
		}
	}
	return -1
}

// RuleConfig is one row of the declarative rule table.
type RuleConfig struct {
	Name        RuleName      `json:"name"`
	Description string        `json:"description"`
	Expression  string        `json:"expression"` // CEL predicate over rule features
	Weight      int           `json:"weight"`
	LookBack    time.Duration `json:"lookBack,omitempty"`
}

// DefaultRules returns the fixed rule table in canonical order.
// Expressions are evaluated against the variables declared by rules.Engine.
func DefaultRules() []*RuleConfig {
	return []*RuleConfig{
		{
			Name:        RuleHighAmount,
			Description: "Transaction amount exceeds the high-value threshold",
			Expression:  fmt.Sprintf("amount > %d.0", HighAmountThreshold),
			Weight:      30,
		},
		{
			Name:        RuleVelocity,
			Description: "Too many transactions by the customer within an hour",
			Expression:  fmt.Sprintf("has_history && velocity_count >= %d", VelocityThreshold),
			Weight:      25,
			LookBack:    VelocityWindow,
		},
		{
			Name:        RuleGeoJump,
			Description: "Location differs from every location the customer used in the last two hours",
			Expression:  "has_history && recent_location_count > 0 && !location_seen",
			Weight:      20,
			LookBack:    GeoJumpWindow,
		},
		{
			Name:        RuleDeviceSharing,
			Description: "Device used by several distinct customers within a week",
			Expression:  fmt.Sprintf("has_history && device_customer_count >= %d", DeviceSharingThreshold),
			Weight:      15,
			LookBack:    DeviceSharingWindow,
		},
		{
			Name:        RuleUnusualTime,
			Description: "Transaction made between 02:00 and 05:59",
			Expression:  fmt.Sprintf("hour >= %d && hour <= %d", UnusualHourStart, UnusualHourEnd),
			Weight:      10,
		},
		{
			Name:        RuleSuspiciousMerchant,
			Description: "Merchant category code is on the high-risk list",
			Expression:  "mcc in high_risk_mccs",
			Weight:      15,
		},
	}
}

// RuleTrigger is a rule that fired for a transaction.
type RuleTrigger struct {
	Rule   RuleName `json:"rule"`
	Weight int      `json:"weight"`
	Reason string   `json:"reason,omitempty"`
}

// SortRules orders rule names canonically and drops duplicates.
func SortRules(names []RuleName) []RuleName {
	seen := make(map[RuleName]bool, len(names))
	out := make([]RuleName, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].rank(), out[j].rank()
		if ri < 0 {
			ri = len(canonicalRuleOrder)
		}
		if rj < 0 {
			rj = len(canonicalRuleOrder)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// FormatRules serializes a rule set as a comma-joined canonical list.
func FormatRules(names []RuleName) string {
	sorted := SortRules(names)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

// ParseRules is the inverse of FormatRules. Whitespace around names is ignored.
func ParseRules(s string) []RuleName {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var names []RuleName
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			names = append(names, RuleName(p))
		}
	}
	return SortRules(names)
}
