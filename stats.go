package quakelink

import (
	"math"
	"sort"
)

// SuffStats are streaming sufficient statistics for a value series. They
// support the two-pass standardization design: pass one folds every raw
// value into these accumulators so that pass two cleans against a fixed
// reference mean and deviation instead of batch-local ones.
type SuffStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
}

// Add folds one value.
func (s *SuffStats) Add(v float64) {
	s.Count++
	s.Sum += v
	s.SumSq += v * v
}

// Merge folds another accumulator, used when workers keep partitioned state.
func (s *SuffStats) Merge(other SuffStats) {
	s.Count += other.Count
	s.Sum += other.Sum
	s.SumSq += other.SumSq
}

// Mean returns the running mean, zero when empty.
func (s *SuffStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}

	return s.Sum / float64(s.Count)
}

// Std returns the running population standard deviation. The variance is
// clamped at zero; sum-of-squares cancellation can drive it fractionally
// negative.
func (s *SuffStats) Std() float64 {
	if s.Count == 0 {
		return 0
	}
	mean := s.Mean()
	variance := s.SumSq/float64(s.Count) - mean*mean
	if variance < 0 {
		variance = 0
	}

	return math.Sqrt(variance)
}

// GroupStats holds per-group reference statistics keyed by
// (station_id, channel).
type GroupStats map[GroupKey]*SuffStats

// Observe folds the non-missing values of a batch into the per-group
// accumulators.
func (gs GroupStats) Observe(batch []Record) {
	for i := range batch {
		r := &batch[i]
		if r.Value == nil {
			continue
		}
		key := r.Key()
		acc, ok := gs[key]
		if !ok {
			acc = &SuffStats{}
			gs[key] = acc
		}
		acc.Add(*r.Value)
	}
}

// Reference returns the fixed (mean, std) for a group, with found=false when
// pass one never saw the group.
func (gs GroupStats) Reference(key GroupKey) (mean, std float64, found bool) {
	acc, ok := gs[key]
	if !ok || acc.Count == 0 {
		return 0, 0, false
	}

	return acc.Mean(), acc.Std(), true
}

// ScanGroupStats is pass one of the standardization engine: stream the raw
// dataset and accumulate sufficient statistics of value per group. The scan
// decodes full rows; it does not project columns. maxRows caps the scan when a source limit
// is configured (0 means unlimited).
func ScanGroupStats(root string, pred *Predicate, batchRows, maxRows int) (GroupStats, error) {
	stats := make(GroupStats)
	seen := 0

	err := ScanBatches(root, pred, batchRows, func(batch []Record) error {
		stats.Observe(batch)
		seen += len(batch)
		if maxRows > 0 && seen >= maxRows {
			return errScanDone
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// median computes the median of values; the slice is not modified.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, values)
	sort.Float64s(tmp)

	if n%2 == 1 {
		return tmp[n/2]
	}

	return 0.5 * (tmp[n/2-1] + tmp[n/2])
}

// mad computes the median absolute deviation about med.
func mad(values []float64, med float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}

	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}

	return median(dev)
}
