package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/stat"
)

const (
	// scalerMinSamples is how many vectors the scaler needs before its
	// empirical statistics replace the fixed reference scales.
	scalerMinSamples = 10

	// scalerWindow bounds the sample buffer the statistics are fit over.
	scalerWindow = 512

	// outlierFlagSigma is the positive deviation at which the outlier
	// scorer independently flags a point.
	outlierFlagSigma = 3.0
)

// Scaler standardizes feature vectors against running per-feature
// statistics fit over a sliding window of observed traffic. Until enough
// samples accumulate it falls back to fixed reference scales so early
// events still score sensibly. Safe for concurrent use.
type Scaler struct {
	mu      sync.Mutex
	samples [][featureCount]float64
	next    int
	filled  bool
	mean    [featureCount]float64
	std     [featureCount]float64
	count   int
}

// NewScaler returns an empty scaler.
func NewScaler() *Scaler {
	return &Scaler{samples: make([][featureCount]float64, 0, scalerWindow)}
}

// Observe folds one vector into the window and refits the statistics.
func (s *Scaler) Observe(v [featureCount]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) < scalerWindow {
		s.samples = append(s.samples, v)
	} else {
		s.samples[s.next] = v
		s.next = (s.next + 1) % scalerWindow
		s.filled = true
	}
	s.count++

	col := make([]float64, len(s.samples))
	for f := 0; f < featureCount; f++ {
		for i := range s.samples {
			col[i] = s.samples[i][f]
		}
		mean, std := stat.MeanStdDev(col[:len(s.samples)], nil)
		if math.IsNaN(std) {
			std = 0
		}
		s.mean[f] = mean
		s.std[f] = std
	}
}

// Transform standardizes v. With fewer than scalerMinSamples observations
// the reference scales apply; afterwards per-feature z-scores with a std
// floor of a tenth of the reference scale, so homogeneous traffic does not
// make deviations explode.
func (s *Scaler) Transform(v [featureCount]float64) [featureCount]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [featureCount]float64
	if s.count < scalerMinSamples {
		for f := 0; f < featureCount; f++ {
			out[f] = v[f] / refScales[f]
		}
		return out
	}
	for f := 0; f < featureCount; f++ {
		std := max(s.std[f], refScales[f]*0.1)
		out[f] = (v[f] - s.mean[f]) / std
	}
	return out
}

// outlierScore maps the largest positive standardized deviation onto [0,1].
// Negative deviations (quieter than usual) never raise the score. The
// second return value is the independent 3-sigma flag.
func outlierScore(z [featureCount]float64) (float64, bool) {
	var peak float64
	for _, zi := range z {
		if zi > peak {
			peak = zi
		}
	}
	return clip(peak/2, 0, 1), peak >= outlierFlagSigma
}

// Regression is an optional trained scorer applied on top of the outlier
// stage. Weights come from the training scheduler's model file; a nil
// Regression means untrained and callers fall back to the outlier score.
type Regression struct {
	Weights [featureCount]float64 `json:"weights"`
	Bias    float64               `json:"bias"`
}

// Score applies the linear model through a sigmoid.
func (r *Regression) Score(z [featureCount]float64) float64 {
	var dot float64
	for i, w := range r.Weights {
		dot += w * z[i]
	}
	return 1 / (1 + math.Exp(-(dot + r.Bias)))
}

// ModelFile is the on-disk shape written by the training scheduler.
type ModelFile struct {
	Regression *Regression `json:"regression,omitempty"`
}

// LoadModelFile reads a trained model file. A missing file is not an
// error: the detector simply stays in its untrained fallback.
func LoadModelFile(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ModelFile{}, nil
		}
		return nil, fmt.Errorf("detector: read model file %q: %w", path, err)
	}
	var mf ModelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("detector: parse model file %q: %w", path, err)
	}
	return &mf, nil
}
