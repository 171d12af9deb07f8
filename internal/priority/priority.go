// Package priority ranks alerts for the analyst queue by blending risk with
// how long the alert has waited against its severity's SLA.
package priority

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SLAStatus describes how close an alert is to its review deadline.
type SLAStatus string

const (
	SLAOk          SLAStatus = "OK"
	SLAApproaching SLAStatus = "APPROACHING"
	SLAPast        SLAStatus = "PAST"
)

// Blend weights and penalty bounds.
const (
	riskWeight       = 0.6
	penaltyWeight    = 0.4
	onTimePenaltyMax = 40.0
	overduePenalty   = 60.0
	approachingRatio = 0.8
)

var slaMinutes = map[domain.Severity]float64{
	domain.SeverityCritical: 15,
	domain.SeverityHigh:     60,
	domain.SeverityMedium:   240,
	domain.SeverityLow:      1440,
}

// defaultSLAMinutes applies to severities outside the four tiers.
const defaultSLAMinutes = 1440

// SLAThreshold returns the review deadline for a severity.
func SLAThreshold(sev domain.Severity) time.Duration {
	return time.Duration(thresholdMinutes(sev) * float64(time.Minute))
}

func thresholdMinutes(sev domain.Severity) float64 {
	if m, ok := slaMinutes[sev]; ok {
		return m
	}
	return defaultSLAMinutes
}

// AgeMinutes is how long the alert has existed at now, never negative.
func AgeMinutes(alert *domain.Alert, now time.Time) float64 {
	age := now.Sub(alert.CreatedAt).Minutes()
	if age < 0 {
		return 0
	}
	return age
}

// Penalty grows linearly to 40 at the SLA threshold, then by up to another 60
// over the following threshold-length period.
func Penalty(ageMinutes, thresholdMinutes float64) float64 {
	if ageMinutes <= thresholdMinutes {
		return ageMinutes / thresholdMinutes * onTimePenaltyMax
	}
	overage := ageMinutes - thresholdMinutes
	return onTimePenaltyMax + math.Min(overduePenalty, overage/thresholdMinutes*overduePenalty)
}

// Score returns the alert's priority in [0, 100].
func Score(alert *domain.Alert, now time.Time) float64 {
	penalty := Penalty(AgeMinutes(alert, now), thresholdMinutes(alert.Severity))
	score := float64(alert.RiskScore)*riskWeight + penalty*penaltyWeight
	return math.Max(0, math.Min(100, score))
}

// Status reports the alert's SLA status at now.
func Status(alert *domain.Alert, now time.Time) SLAStatus {
	age := AgeMinutes(alert, now)
	threshold := thresholdMinutes(alert.Severity)
	switch {
	case age > threshold:
		return SLAPast
	case age >= approachingRatio*threshold:
		return SLAApproaching
	default:
		return SLAOk
	}
}

// TimeToSLA returns the minutes left before the deadline; negative when overdue.
func TimeToSLA(alert *domain.Alert, now time.Time) float64 {
	return thresholdMinutes(alert.Severity) - AgeMinutes(alert, now)
}

// Ranked is an alert with its queue metadata at a point in time.
type Ranked struct {
	Alert         *domain.Alert `json:"alert"`
	PriorityScore float64       `json:"priorityScore"`
	SLAStatus     SLAStatus     `json:"slaStatus"`
	MinutesToSLA  float64       `json:"minutesToSla"`
	AgeMinutes    float64       `json:"ageMinutes"`
}

// Rank computes queue metadata for one alert.
func Rank(alert *domain.Alert, now time.Time) Ranked {
	return Ranked{
		Alert:         alert,
		PriorityScore: Score(alert, now),
		SLAStatus:     Status(alert, now),
		MinutesToSLA:  TimeToSLA(alert, now),
		AgeMinutes:    AgeMinutes(alert, now),
	}
}

// Sort ranks alerts and orders them by descending priority. Ties go to the
// older alert; the sort is stable for anything still equal.
func Sort(alerts []*domain.Alert, now time.Time) []Ranked {
	ranked := make([]Ranked, len(alerts))
	for i, a := range alerts {
		ranked[i] = Rank(a, now)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].PriorityScore != ranked[j].PriorityScore {
			return ranked[i].PriorityScore > ranked[j].PriorityScore
		}
		return ranked[i].Alert.CreatedAt.Before(ranked[j].Alert.CreatedAt)
	})
	return ranked
}

// Summary holds queue counters for the dashboard header.
type Summary struct {
	Total      int                     `json:"total"`
	Open       int                     `json:"open"`
	Reviewing  int                     `json:"reviewing"`
	Escalated  int                     `json:"escalated"`
	Closed     int                     `json:"closed"`
	PastSLA    int                     `json:"pastSla"`
	BySeverity map[domain.Severity]int `json:"bySeverity"`
}

// Summarize counts alerts by status and severity. PastSLA only counts alerts
// still waiting on an analyst (OPEN or REVIEWING).
func Summarize(alerts []*domain.Alert, now time.Time) Summary {
	s := Summary{BySeverity: make(map[domain.Severity]int)}
	for _, a := range alerts {
		s.Total++
		s.BySeverity[a.Severity]++
		switch a.Status {
		case domain.AlertStatusOpen:
			s.Open++
		case domain.AlertStatusReviewing:
			s.Reviewing++
		case domain.AlertStatusEscalated:
			s.Escalated++
		default:
			if a.Status.Terminal() {
				s.Closed++
			}
		}
		if (a.Status == domain.AlertStatusOpen || a.Status == domain.AlertStatusReviewing) && Status(a, now) == SLAPast {
			s.PastSLA++
		}
	}
	return s
}
