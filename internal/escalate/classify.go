package escalate

import (
	"strings"

	"github.com/sentineliq/sentinel/internal/activity"
)

// Threat categories (Tier 2).
const (
	ThreatDataExfiltration   = "data_exfiltration"
	ThreatUnauthorizedAccess = "unauthorized_access"
	ThreatSabotage           = "sabotage"
	ThreatPolicyViolation    = "policy_violation"
	ThreatSuspicious         = "suspicious_activity"
)

// Incident categories (Tier 3).
const (
	IncidentDataBreach         = "data_breach"
	IncidentInsiderAttack      = "insider_attack"
	IncidentUnauthorizedAccess = "unauthorized_access"
	IncidentPolicyViolation    = "policy_violation"
	IncidentSuspicious         = "suspicious_activity"
)

// ThreatType classifies a promoted alert from the detector's explanation
// and the triggering event. Rule order matters: exfiltration cues win over
// sensitivity, sensitivity over deletion.
func ThreatType(act activity.Activity, explanation string) string {
	e := strings.ToLower(explanation)
	switch {
	case strings.Contains(e, "data transfer") || strings.Contains(e, "large"):
		return ThreatDataExfiltration
	case strings.Contains(e, "sensitive"):
		return ThreatUnauthorizedAccess
	case strings.Contains(e, "sabotage") || strings.Contains(e, "delet"):
		return ThreatSabotage
	case strings.Contains(e, "off-hours"):
		return ThreatPolicyViolation
	default:
		return ThreatSuspicious
	}
}

// IncidentType classifies an auto-promoted incident. A deletion burst lands
// on insider_attack before the generic access rule can claim it.
func IncidentType(act activity.Activity, explanation string) string {
	e := strings.ToLower(explanation)
	switch {
	case strings.Contains(e, "data") && (strings.Contains(e, "exfiltrat") || strings.Contains(e, "transfer")):
		return IncidentDataBreach
	case strings.Contains(e, "sabotage") || strings.Contains(e, "delet"):
		return IncidentInsiderAttack
	case strings.Contains(e, "unauthorized") || strings.Contains(e, "access"):
		return IncidentUnauthorizedAccess
	case strings.Contains(e, "policy") || strings.Contains(e, "violation"):
		return IncidentPolicyViolation
	case act.Kind == activity.KindEmail && act.Details.External:
		return IncidentDataBreach
	case act.Kind == activity.KindFileAccess && act.Details.Sensitive:
		return IncidentUnauthorizedAccess
	default:
		return IncidentSuspicious
	}
}

// threatToIncidentType maps a Tier-2 category onto its Tier-3 counterpart
// for operator-invoked promotion.
func threatToIncidentType(threatType string) string {
	switch threatType {
	case ThreatDataExfiltration:
		return IncidentDataBreach
	case ThreatSabotage:
		return IncidentInsiderAttack
	case ThreatUnauthorizedAccess:
		return IncidentUnauthorizedAccess
	case ThreatPolicyViolation:
		return IncidentPolicyViolation
	default:
		return IncidentSuspicious
	}
}
