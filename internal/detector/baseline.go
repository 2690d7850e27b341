package detector

import (
	"strings"
	"sync"

	"github.com/sentineliq/sentinel/internal/activity"
)

const (
	// typicalHoursAfter is the observation count past which the hour
	// histogram is summarized into a typical-hours set.
	typicalHoursAfter = 100

	// typicalHoursKept is how many top hours form the typical set.
	typicalHoursKept = 12

	// sequencesKept bounds the stored typical recent-activity sequences.
	sequencesKept = 20

	// sequenceLen is the length of one stored kind sequence.
	sequenceLen = 3

	// rateAlpha is the EWMA factor for the per-kind 5-minute rate.
	rateAlpha = 0.1
)

// userBaseline is the adaptive behavioral profile of one user. Mutations are
// serialized by its own mutex so one user's events never interleave-corrupt
// the histogram while other users proceed in parallel.
type userBaseline struct {
	mu sync.Mutex

	hourFreq     [24]int
	total        int
	typicalHours map[int]bool

	kindCount map[activity.Kind]int
	kindRate  map[activity.Kind]float64 // EWMA of 5-minute same-kind counts

	sequences []string // recent kind sequences, joined with ">"
}

func newUserBaseline() *userBaseline {
	return &userBaseline{
		typicalHours: make(map[int]bool),
		kindCount:    make(map[activity.Kind]int),
		kindRate:     make(map[activity.Kind]float64),
	}
}

// update folds one observed event into the profile. Caller holds b.mu.
func (b *userBaseline) update(kind activity.Kind, hour int, recentKinds []activity.Kind) {
	if hour >= 0 && hour < 24 {
		b.hourFreq[hour]++
		b.total++
	}
	b.kindCount[kind]++

	if b.total > typicalHoursAfter {
		b.refreshTypicalHours()
	}

	if len(recentKinds) >= sequenceLen {
		seq := joinKinds(recentKinds[len(recentKinds)-sequenceLen:])
		if !b.hasSequence(seq) {
			b.sequences = append(b.sequences, seq)
			if len(b.sequences) > sequencesKept {
				b.sequences = b.sequences[1:]
			}
		}
	}
}

// refreshTypicalHours keeps the top hours by count.
func (b *userBaseline) refreshTypicalHours() {
	type hc struct{ hour, count int }
	var all []hc
	for h, c := range b.hourFreq {
		if c > 0 {
			all = append(all, hc{h, c})
		}
	}
	// Selection by repeated max keeps this allocation-light for 24 entries.
	next := make(map[int]bool, typicalHoursKept)
	for len(next) < typicalHoursKept && len(all) > 0 {
		best := 0
		for i := 1; i < len(all); i++ {
			if all[i].count > all[best].count {
				best = i
			}
		}
		next[all[best].hour] = true
		all = append(all[:best], all[best+1:]...)
	}
	b.typicalHours = next
}

func (b *userBaseline) hasSequence(seq string) bool {
	for _, s := range b.sequences {
		if s == seq {
			return true
		}
	}
	return false
}

// matchesTypicalSequence reports whether any stored sequence is a suffix of
// the observed recent-kind sequence.
func (b *userBaseline) matchesTypicalSequence(recent []activity.Kind) bool {
	if len(b.sequences) == 0 {
		return false
	}
	joined := joinKinds(recent)
	for _, s := range b.sequences {
		if strings.HasSuffix(joined, s) {
			return true
		}
	}
	return false
}

// observeRate folds a 5-minute same-kind count into the EWMA rate and
// returns the rate that was in effect before the update. Rates start at 1.0
// so a brand-new kind does not divide by zero.
func (b *userBaseline) observeRate(kind activity.Kind, count float64) float64 {
	prev, ok := b.kindRate[kind]
	if !ok {
		prev = 1.0
	}
	b.kindRate[kind] = rateAlpha*count + (1-rateAlpha)*prev
	return prev
}

// kindFrequency returns the long-run share of kind in this user's traffic.
func (b *userBaseline) kindFrequency(kind activity.Kind) float64 {
	var total int
	for _, c := range b.kindCount {
		total += c
	}
	if total == 0 {
		return 0
	}
	return float64(b.kindCount[kind]) / float64(total)
}

func joinKinds(kinds []activity.Kind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ">")
}
