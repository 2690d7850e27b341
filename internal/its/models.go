package its

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Ensemble component weights. The gradient scorer carries the decision, the
// rule forest votes on hard thresholds, and the outlier norm catches the
// single-signal spikes neither of the other two reward.
const (
	gradientWeight = 0.5
	forestWeight   = 0.3
	outlierWeight  = 0.2
)

// Weights is the trainable part of the ensemble, written by the training
// scheduler and reloaded at runtime.
type Weights struct {
	Gradient [signalCount]float64 `json:"gradient"`
	Bias     float64              `json:"bias"`
}

// DefaultWeights returns the shipped calibration used until a trained model
// file is available.
func DefaultWeights() Weights {
	return Weights{
		Gradient: [signalCount]float64{
			sigSensitive:     3.0,
			sigDownload:      2.5,
			sigExternalRatio: 2.0,
			sigLargeAttach:   2.0,
			sigKeywords:      2.5,
			sigOffHours:      1.5,
			sigGeo:           2.5,
			sigSensitiveRate: 2.0,
		},
		Bias: -3.0,
	}
}

// gradientScore is the boosted-classifier stage: a logistic response over
// the normalized signals.
func gradientScore(w Weights, s [signalCount]float64) float64 {
	var dot float64
	for i, wi := range w.Gradient {
		dot += wi * s[i]
	}
	return 1 / (1 + math.Exp(-(dot + w.Bias)))
}

// forestScore is the rule-forest stage: the fraction of fixed threshold
// rules the window trips. The thresholds mirror the anomaly-tag guards.
func forestScore(f windowFeatures) float64 {
	rules := []bool{
		f.sensitiveAccesses >= 5,
		f.downloadMB > 500,
		f.externalEmailRatio > 0.5,
		f.largeAttachments > 2,
		f.suspiciousKeywords > 0,
		f.offHours,
		f.geoAnomalies > 0,
		f.fileToEmailRatio > 10,
	}
	var fired int
	for _, r := range rules {
		if r {
			fired++
		}
	}
	return float64(fired) / float64(len(rules))
}

// outlierNorm is the normalized isolation stage: the strongest single
// signal, already clipped to [0,1].
func outlierNorm(s [signalCount]float64) float64 {
	var peak float64
	for _, v := range s {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// WeightsFile is the on-disk shape the training scheduler writes for the
// scoring engine.
type WeightsFile struct {
	Weights *Weights `json:"weights,omitempty"`
}

// LoadWeightsFile reads trained ensemble weights. A missing file is not an
// error: the engine keeps the shipped defaults.
func LoadWeightsFile(path string) (*WeightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &WeightsFile{}, nil
		}
		return nil, fmt.Errorf("its: read weights file %q: %w", path, err)
	}
	var wf WeightsFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("its: parse weights file %q: %w", path, err)
	}
	return &wf, nil
}
