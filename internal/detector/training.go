package detector

import (
	"errors"
	"math"

	"github.com/sentineliq/sentinel/internal/activity"
)

// Training thresholds. A refit is skipped entirely when the stored history
// cannot support one.
const (
	minTrainingExamples = 50
	minPositiveExamples = 5

	fitEpochs       = 200
	fitLearningRate = 0.1
)

// ErrInsufficientData is returned by FitRegression when the example set is
// too small or too one-sided to fit against.
var ErrInsufficientData = errors.New("detector: insufficient training data")

// TrainingExample pairs one stored event's feature vector with its alert
// label (1 when the event raised a Tier-1 alert, 0 otherwise).
type TrainingExample struct {
	Features [featureCount]float64
	Label    float64
}

// ExtractTrainingExample builds the training vector for one stored event in
// its trailing window. Vectors are reference-scaled the same way the
// runtime scaler treats cold-start traffic, so the fitted weights stay in
// the range the live transform produces.
func ExtractTrainingExample(act activity.Activity, recent []activity.Activity, label float64) TrainingExample {
	raw := extractFeatures(act, recent, nil)
	var v [featureCount]float64
	for f := 0; f < featureCount; f++ {
		v[f] = raw[f] / refScales[f]
	}
	return TrainingExample{Features: v, Label: label}
}

// FitRegression fits the logistic stage by batch gradient descent over the
// labeled history. Positives are re-weighted by the class imbalance so a
// quiet fleet with few alerts still produces a usable decision boundary.
func FitRegression(examples []TrainingExample) (*Regression, error) {
	var positives int
	for _, ex := range examples {
		if ex.Label > 0.5 {
			positives++
		}
	}
	negatives := len(examples) - positives
	if len(examples) < minTrainingExamples || positives < minPositiveExamples || negatives == 0 {
		return nil, ErrInsufficientData
	}
	posWeight := float64(negatives) / float64(positives)

	var r Regression
	n := float64(len(examples))
	for epoch := 0; epoch < fitEpochs; epoch++ {
		var gradW [featureCount]float64
		var gradB float64
		for _, ex := range examples {
			p := r.Score(ex.Features)
			residual := p - ex.Label
			if ex.Label > 0.5 {
				residual *= posWeight
			}
			for f := 0; f < featureCount; f++ {
				gradW[f] += residual * ex.Features[f]
			}
			gradB += residual
		}
		for f := 0; f < featureCount; f++ {
			r.Weights[f] -= fitLearningRate * gradW[f] / n
		}
		r.Bias -= fitLearningRate * gradB / n
	}

	for _, w := range r.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errors.New("detector: regression fit diverged")
		}
	}
	return &r, nil
}
