package quakelink

import (
	"time"

	"github.com/samber/lo"
)

// SourceStats is the per-source summary emitted into DQ reports.
type SourceStats struct {
	Rows         int64    `json:"rows"`
	TsMin        *int64   `json:"ts_min"`
	TsMax        *int64   `json:"ts_max"`
	MissingRate  *float64 `json:"missing_rate"`
	OutlierRate  *float64 `json:"outlier_rate"`
	StationCount int      `json:"station_count"`
}

// StatsCollector accumulates SourceStats over streamed batches without
// retaining rows.
type StatsCollector struct {
	rows     int64
	missing  int64
	outliers int64
	tsMin    int64
	tsMax    int64
	stations map[string]struct{}
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stations: make(map[string]struct{})}
}

// Observe folds a batch into the collector.
func (sc *StatsCollector) Observe(batch []Record) {
	for i := range batch {
		r := &batch[i]
		if sc.rows == 0 || r.TsMs < sc.tsMin {
			sc.tsMin = r.TsMs
		}
		if sc.rows == 0 || r.TsMs > sc.tsMax {
			sc.tsMax = r.TsMs
		}
		sc.rows++
		if r.Value == nil {
			sc.missing++
		}
		if r.Flags.IsOutlier {
			sc.outliers++
		}
		sc.stations[r.StationID] = struct{}{}
	}
}

// Stats finalises the summary.
func (sc *StatsCollector) Stats() SourceStats {
	if sc.rows == 0 {
		return SourceStats{StationCount: 0}
	}

	ts_min := sc.tsMin
	ts_max := sc.tsMax
	missing_rate := float64(sc.missing) / float64(sc.rows)
	outlier_rate := float64(sc.outliers) / float64(sc.rows)

	return SourceStats{
		Rows:         sc.rows,
		TsMin:        &ts_min,
		TsMax:        &ts_max,
		MissingRate:  &missing_rate,
		OutlierRate:  &outlier_rate,
		StationCount: len(sc.stations),
	}
}

// BasicStats summarises an in-memory record set; the streaming collector is
// preferred for large datasets.
func BasicStats(records []Record) SourceStats {
	collector := NewStatsCollector()
	collector.Observe(records)

	return collector.Stats()
}

// DuplicateTimestamps reports timestamps occurring more than once within a
// (station, channel) group; cross-source joins rely on the at-most-once
// invariant per stage.
func DuplicateTimestamps(records []Record) []int64 {
	byGroup := make(map[GroupKey][]int64)
	for i := range records {
		byGroup[records[i].Key()] = append(byGroup[records[i].Key()], records[i].TsMs)
	}

	var dups []int64
	for _, stamps := range byGroup {
		dups = append(dups, lo.FindDuplicates(stamps)...)
	}

	return lo.Uniq(dups)
}

// msToIso renders a millisecond epoch as ISO-8601 UTC.
func msToIso(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// UtcNowIso formats the current instant as ISO-8601 UTC with a trailing Z.
func UtcNowIso() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// WriteDqReport stamps the payload with generated_at_utc and writes it as
// JSON. Every stage except manifest writes one, even on the empty path; the
// manifest stage writes only its run manifest.
func WriteDqReport(path string, payload map[string]any) error {
	stamped := make(map[string]any, len(payload)+1)
	for key, value := range payload {
		stamped[key] = value
	}
	stamped["generated_at_utc"] = UtcNowIso()

	_, err := WriteJson(path, stamped)

	return err
}
