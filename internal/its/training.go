package its

import (
	"errors"
	"math"

	"github.com/sentineliq/sentinel/internal/activity"
)

// Training thresholds mirror the detector's: a refit is skipped when the
// per-user-day history is too small or has no alerted days to learn from.
const (
	minTrainingExamples = 30
	minPositiveExamples = 3

	fitEpochs       = 200
	fitLearningRate = 0.1
)

// ErrInsufficientData is returned by FitWeights when the example set cannot
// support a refit.
var ErrInsufficientData = errors.New("its: insufficient training data")

// TrainingExample pairs one user-day signal vector with its alert label
// (1 when the day raised at least one Tier-1 alert, 0 otherwise).
type TrainingExample struct {
	Signals [signalCount]float64
	Label   float64
}

// ExtractTrainingExample builds the signal vector for one user-day window
// of stored activities.
func ExtractTrainingExample(acts []activity.Activity, role string, label float64) TrainingExample {
	f := summarize(acts, role)
	return TrainingExample{Signals: f.signals(), Label: label}
}

// FitWeights refits the gradient stage by batch gradient descent over the
// labeled user-days, starting from the shipped calibration so sparse data
// nudges rather than replaces it. Positives are re-weighted by the class
// imbalance.
func FitWeights(examples []TrainingExample) (Weights, error) {
	var positives int
	for _, ex := range examples {
		if ex.Label > 0.5 {
			positives++
		}
	}
	negatives := len(examples) - positives
	if len(examples) < minTrainingExamples || positives < minPositiveExamples || negatives == 0 {
		return Weights{}, ErrInsufficientData
	}
	posWeight := float64(negatives) / float64(positives)

	w := DefaultWeights()
	n := float64(len(examples))
	for epoch := 0; epoch < fitEpochs; epoch++ {
		var gradW [signalCount]float64
		var gradB float64
		for _, ex := range examples {
			p := gradientScore(w, ex.Signals)
			residual := p - ex.Label
			if ex.Label > 0.5 {
				residual *= posWeight
			}
			for i := 0; i < signalCount; i++ {
				gradW[i] += residual * ex.Signals[i]
			}
			gradB += residual
		}
		for i := 0; i < signalCount; i++ {
			w.Gradient[i] -= fitLearningRate * gradW[i] / n
		}
		w.Bias -= fitLearningRate * gradB / n
	}

	for _, wi := range w.Gradient {
		if math.IsNaN(wi) || math.IsInf(wi, 0) {
			return Weights{}, errors.New("its: weight fit diverged")
		}
	}
	return w, nil
}
