package detector

import (
	"math"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// featureCount is the dimensionality of the detector's feature vector.
const featureCount = 13

// Feature vector layout. Every feature is oriented so that larger means more
// suspicious.
const (
	fFileSizeMB = iota
	fFileCount
	fSensitiveCount
	fDeleteCount
	fDataTransferMB
	fExternalConns
	fEmailAttachMB
	fExternalEmails
	fOffHoursScore
	fProcessSuspicious
	fRapidActivity
	fPatternDeviation
	fTemporalAnomaly
)

// refScales normalize raw features before the running scaler has enough
// samples: sizes against 100 MB, counts against small context budgets,
// derived scores are already in [0,1].
var refScales = [featureCount]float64{
	100, // file size MB
	10,  // file count in context
	5,   // sensitive count
	5,   // delete count
	100, // data transfer MB
	5,   // external connections
	100, // email attachment MB
	5,   // external emails
	1, 1, 1, 1, 1,
}

// extractFeatures builds the 13-dimension vector for one event in context.
// recent is the trailing one-hour window for this user and includes the
// current event. A nil baseline is a valid signal: the derived scores fall
// back to conservative defaults.
func extractFeatures(act activity.Activity, recent []activity.Activity, b *userBaseline) [featureCount]float64 {
	var v [featureCount]float64

	d := act.Details
	v[fFileSizeMB] = d.SizeMB
	if v[fFileSizeMB] == 0 {
		for _, a := range recent {
			if a.Kind == activity.KindFileAccess {
				v[fFileSizeMB] += a.Details.SizeMB
			}
		}
	}

	for _, a := range recent {
		switch {
		case a.Kind == activity.KindFileAccess:
			v[fFileCount]++
			if a.Details.Sensitive {
				v[fSensitiveCount]++
			}
			if a.Details.Action == activity.ActionDelete {
				v[fDeleteCount]++
			}
		case a.Kind == activity.KindEmail && a.Details.External:
			v[fExternalEmails]++
		}
	}

	v[fDataTransferMB] = d.DataSentMB
	if v[fDataTransferMB] == 0 {
		v[fDataTransferMB] = d.AttachmentSizeMB
	}
	v[fExternalConns] = float64(d.ExternalConnections)
	v[fEmailAttachMB] = d.AttachmentSizeMB

	hour := act.Hour()
	v[fOffHoursScore] = offHoursScore(b, hour)

	if d.Suspicious || activity.SuspiciousProcessName(d.ProcessName) {
		v[fProcessSuspicious] = 1
	}

	v[fRapidActivity] = rapidActivityScore(b, act, recent)
	v[fPatternDeviation] = patternDeviationScore(b, act.Kind, recent)
	v[fTemporalAnomaly] = temporalAnomalyScore(b, recent)

	return v
}

// offHoursScore is 0 during working hours. Outside them it is 0.8 with no
// baseline; otherwise 1 minus this hour's share of the user's peak hour,
// pinned to 0.3 when the hour is among the user's typical hours.
func offHoursScore(b *userBaseline, hour int) float64 {
	if !activity.OffHours(hour) {
		return 0
	}
	if b == nil {
		return 0.8
	}
	if b.typicalHours[hour] {
		return 0.3
	}
	var peak int
	for _, c := range b.hourFreq {
		if c > peak {
			peak = c
		}
	}
	if peak == 0 {
		return 0.8
	}
	dev := 1 - float64(b.hourFreq[hour])/float64(peak)
	if dev > 1 {
		dev = 1
	}
	return dev
}

// rapidActivityScore is the z-score of the 5-minute same-kind count against
// the user's per-kind rate, 3-sigma normalized to [0,1]. The rate EWMA is
// updated as a side effect; the pre-update rate feeds the score.
func rapidActivityScore(b *userBaseline, act activity.Activity, recent []activity.Activity) float64 {
	if b == nil {
		return 0
	}
	cutoff := act.Timestamp.Add(-5 * time.Minute)
	var count float64
	for _, a := range recent {
		if a.Kind == act.Kind && a.Timestamp.After(cutoff) {
			count++
		}
	}
	rate := b.observeRate(act.Kind, count)
	z := (count - rate) / (math.Sqrt(rate) + 1)
	return clip(z/3, 0, 1)
}

// patternDeviationScore compares the current window's kind mix against the
// user's long-run mix.
func patternDeviationScore(b *userBaseline, kind activity.Kind, recent []activity.Activity) float64 {
	if b == nil || len(recent) == 0 {
		return 0
	}
	var same float64
	for _, a := range recent {
		if a.Kind == kind {
			same++
		}
	}
	currentFreq := same / float64(len(recent))
	typicalFreq := b.kindFrequency(kind)
	if typicalFreq == 0 {
		typicalFreq = 0.1
	}
	dev := math.Abs(currentFreq-typicalFreq) / max(typicalFreq, 0.1)
	return clip(dev, 0, 1)
}

// temporalAnomalyScore is 0.6 when the last 10-event kind sequence matches
// none of the user's typical sequences, 0 otherwise.
func temporalAnomalyScore(b *userBaseline, recent []activity.Activity) float64 {
	if b == nil {
		return 0
	}
	start := len(recent) - 10
	if start < 0 {
		start = 0
	}
	kinds := make([]activity.Kind, 0, 10)
	for _, a := range recent[start:] {
		kinds = append(kinds, a.Kind)
	}
	if len(b.sequences) == 0 {
		return 0
	}
	if !b.matchesTypicalSequence(kinds) {
		return 0.6
	}
	return 0
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
