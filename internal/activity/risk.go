package activity

// RiskLevel is the coarse band used across alerts, users and snapshots.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFromITS maps an insider threat score (0-100) onto a band.
func RiskFromITS(its float64) RiskLevel {
	switch {
	case its >= 75:
		return RiskCritical
	case its >= 50:
		return RiskHigh
	case its >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RiskFromScores combines a per-event ML score (0-1) with the user's ITS
// (0-100) into the band reported on alerts. Either signal alone can raise
// the band.
func RiskFromScores(mlScore, its float64) RiskLevel {
	switch {
	case mlScore >= 0.80 || its >= 70:
		return RiskCritical
	case mlScore >= 0.60 || its >= 50:
		return RiskHigh
	case mlScore >= 0.40 || its >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}
