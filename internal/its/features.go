package its

import (
	"github.com/sentineliq/sentinel/internal/activity"
)

// windowFeatures summarizes one user's trailing activity window into the
// aggregates the ensemble scores over.
type windowFeatures struct {
	roleEncoded   float64
	meanLogonHour float64

	logonCount         int
	geoAnomalies       int
	fileAccesses       int
	sensitiveAccesses  int
	downloadMB         float64
	emailsSent         int
	externalEmails     int
	largeAttachments   int
	suspiciousKeywords int

	offHours            bool
	fileToEmailRatio    float64
	externalEmailRatio  float64
	sensitiveAccessRate float64
}

// roleCode maps a directory role onto the small-integer encoding the models
// were fit with. Unknown roles fold into the default class.
func roleCode(role string) float64 {
	switch role {
	case "HR":
		return 1
	case "Finance":
		return 2
	case "Manager":
		return 3
	case "Sales":
		return 4
	default: // Developer and anything unmapped
		return 0
	}
}

// summarize aggregates a window of activities. Counts follow the window's
// raw events; the mean logon hour defaults to mid-morning when the window
// carries no logons, so quiet windows do not read as off-hours.
func summarize(acts []activity.Activity, role string) windowFeatures {
	f := windowFeatures{roleEncoded: roleCode(role), meanLogonHour: 9}

	var logonHourSum int
	for _, a := range acts {
		d := a.Details
		switch a.Kind {
		case activity.KindLogon:
			f.logonCount++
			logonHourSum += a.Hour()
			if d.GeoAnomaly {
				f.geoAnomalies++
			}
		case activity.KindFileAccess:
			f.fileAccesses++
			if d.Sensitive {
				f.sensitiveAccesses++
			}
			f.downloadMB += d.SizeMB
		case activity.KindEmail:
			f.emailsSent++
			if d.External {
				f.externalEmails++
			}
			if d.AttachmentSizeMB > 10 {
				f.largeAttachments++
			}
			f.suspiciousKeywords += d.SuspiciousKeywords
		}
	}

	if f.logonCount > 0 {
		f.meanLogonHour = float64(logonHourSum) / float64(f.logonCount)
	}
	f.offHours = f.meanLogonHour < 7 || f.meanLogonHour >= 19
	f.fileToEmailRatio = float64(f.fileAccesses) / float64(f.emailsSent+1)
	f.externalEmailRatio = float64(f.externalEmails) / float64(f.emailsSent+1)
	f.sensitiveAccessRate = float64(f.sensitiveAccesses) / float64(f.fileAccesses+1)
	return f
}

// Normalized signal layout shared by the ensemble scorers. Each signal is
// clipped to [0,1] so one runaway aggregate cannot drown the rest.
const signalCount = 8

const (
	sigSensitive = iota
	sigDownload
	sigExternalRatio
	sigLargeAttach
	sigKeywords
	sigOffHours
	sigGeo
	sigSensitiveRate
)

func (f windowFeatures) signals() [signalCount]float64 {
	var s [signalCount]float64
	s[sigSensitive] = clip(float64(f.sensitiveAccesses)/10, 0, 1)
	s[sigDownload] = clip(f.downloadMB/500, 0, 1)
	s[sigExternalRatio] = clip(f.externalEmailRatio, 0, 1)
	s[sigLargeAttach] = clip(float64(f.largeAttachments)/3, 0, 1)
	s[sigKeywords] = clip(float64(f.suspiciousKeywords)/3, 0, 1)
	if f.offHours {
		s[sigOffHours] = 1
	}
	s[sigGeo] = clip(float64(f.geoAnomalies), 0, 1)
	s[sigSensitiveRate] = clip(f.sensitiveAccessRate, 0, 1)
	return s
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
