package quakelink

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// FeatureRow is one computed feature value for a (source, station, channel)
// group of the aligned table.
type FeatureRow struct {
	EventID   string  `parquet:"event_id,dict" json:"event_id"`
	Source    string  `parquet:"source,dict" json:"source"`
	StationID string  `parquet:"station_id,dict" json:"station_id"`
	Channel   string  `parquet:"channel,dict" json:"channel"`
	Feature   string  `parquet:"feature,dict" json:"feature"`
	Value     float64 `parquet:"value" json:"value"`
}

// featureGroup is the ordered value series of one aligned group.
type featureGroup struct {
	source    string
	stationID string
	channel   string
	ts        []int64
	values    []float64
}

// groupAligned splits the aligned table into per-group ordered series,
// dropping missing values. Group order is deterministic.
func groupAligned(records []Record) []*featureGroup {
	type fullKey struct {
		source    string
		stationID string
		channel   string
	}

	byKey := make(map[fullKey]*featureGroup)
	var order []fullKey

	for i := range records {
		r := &records[i]
		if r.Value == nil {
			continue
		}
		key := fullKey{source: r.Source, stationID: r.StationID, channel: r.Channel}
		group, seen := byKey[key]
		if !seen {
			group = &featureGroup{source: r.Source, stationID: r.StationID, channel: r.Channel}
			byKey[key] = group
			order = append(order, key)
		}
		group.ts = append(group.ts, r.TsMs)
		group.values = append(group.values, *r.Value)
	}

	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.source != b.source {
			return a.source < b.source
		}
		if a.stationID != b.stationID {
			return a.stationID < b.stationID
		}
		return a.channel < b.channel
	})

	groups := make([]*featureGroup, len(order))
	for i, key := range order {
		groups[i] = byKey[key]
		groups[i].sortByTime()
	}

	return groups
}

func (g *featureGroup) sortByTime() {
	idx := make([]int, len(g.ts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return g.ts[idx[a]] < g.ts[idx[b]] })

	ts := make([]int64, len(g.ts))
	values := make([]float64, len(g.values))
	for i, j := range idx {
		ts[i] = g.ts[j]
		values[i] = g.values[j]
	}
	g.ts = ts
	g.values = values
}

// gradientStats computes the mean and max of |dv/dt| over ordered
// timestamps, skipping non-increasing steps.
func (g *featureGroup) gradientStats() (grad_mean, grad_max float64, ok bool) {
	if len(g.values) < 2 {
		return 0, 0, false
	}

	var sum float64
	var count int
	for i := 1; i < len(g.values); i++ {
		dt_s := float64(g.ts[i]-g.ts[i-1]) / 1000.0
		if dt_s <= 0 {
			continue
		}
		grad := math.Abs((g.values[i] - g.values[i-1]) / dt_s)
		sum += grad
		count++
		if grad > grad_max {
			grad_max = grad
		}
	}
	if count == 0 {
		return 0, 0, false
	}

	return sum / float64(count), grad_max, true
}

// arrivalOffsetS is the heuristic arrival pick: seconds from origin to the
// group's maximum value.
func (g *featureGroup) arrivalOffsetS(originMs int64) (float64, bool) {
	if len(g.values) == 0 {
		return 0, false
	}

	best := 0
	for i := 1; i < len(g.values); i++ {
		if g.values[i] > g.values[best] {
			best = i
		}
	}

	return float64(g.ts[best]-originMs) / 1000.0, true
}

// groupFeatureRows computes the aggregate features of one group.
func groupFeatureRows(g *featureGroup, eventID string, originMs int64) []FeatureRow {
	n := len(g.values)
	if n == 0 {
		return nil
	}

	mean := stat.Mean(g.values, nil)
	variance := stat.Variance(g.values, nil)
	if n < 2 {
		variance = 0
	}
	std := math.Sqrt(variance)

	min_v := g.values[0]
	max_v := g.values[0]
	var sum_sq float64
	for _, v := range g.values {
		if v < min_v {
			min_v = v
		}
		if v > max_v {
			max_v = v
		}
		sum_sq += v * v
	}
	rms := math.Sqrt(sum_sq / float64(n))

	emit := func(feature string, value float64) FeatureRow {
		return FeatureRow{
			EventID:   eventID,
			Source:    g.source,
			StationID: g.stationID,
			Channel:   g.channel,
			Feature:   feature,
			Value:     value,
		}
	}

	rows := []FeatureRow{
		emit("count", float64(n)),
		emit("mean", mean),
		emit("variance", variance),
		emit("std", std),
		emit("min", min_v),
		emit("max", max_v),
		emit("peak", max_v),
		emit("rms", rms),
	}

	if g.source == SourceGeomag {
		if grad_mean, grad_max, ok := g.gradientStats(); ok {
			rows = append(rows, emit("gradient_abs_mean", grad_mean), emit("gradient_abs_max", grad_max))
		}
	}
	if g.source == SourceSeismic {
		if strings.HasSuffix(g.channel, "_rms") {
			if offset, ok := g.arrivalOffsetS(originMs); ok {
				rows = append(rows, emit("p_arrival_offset_s", offset))
			}
		}
		if strings.HasSuffix(g.channel, "_mean_abs") {
			if offset, ok := g.arrivalOffsetS(originMs); ok {
				rows = append(rows, emit("s_arrival_offset_s", offset))
			}
		}
	}

	return rows
}

// ComputeFeatures derives the per-group feature table from an aligned
// record set.
func ComputeFeatures(aligned []Record, eventID string, originMs int64) []FeatureRow {
	var rows []FeatureRow
	for _, group := range groupAligned(aligned) {
		rows = append(rows, groupFeatureRows(group, eventID, originMs)...)
	}

	return rows
}

// runFeatures computes and persists the feature table for the selected
// event.
func (p *Pipeline) runFeatures(ctx context.Context, env *StageEnv) error {
	event, err := env.Config.GetEvent(env.EventID)
	if err != nil {
		return err
	}
	origin_ms, err := event.OriginMs()
	if err != nil {
		return errors.Join(ErrFeatures, err)
	}

	aligned_path := filepath.Join(env.Paths.LinkedEvent(event.EventID), "aligned.parquet")
	aligned, err := ReadAligned(aligned_path)
	if err != nil {
		return errors.Join(ErrFeatures, err)
	}

	rows := ComputeFeatures(aligned, event.EventID, origin_ms)

	features_dir := env.Paths.FeaturesEvent(event.EventID)
	if err := WriteTable(filepath.Join(features_dir, "features.parquet"), rows, env.Config.Storage.Parquet.Compression); err != nil {
		return err
	}

	source_counts := make(map[string]int)
	for i := range rows {
		source_counts[rows[i].Source]++
	}
	summary := map[string]any{
		"event_id":     event.EventID,
		"feature_rows": len(rows),
		"sources":      source_counts,
	}
	if _, err := WriteJson(filepath.Join(features_dir, "summary.json"), summary); err != nil {
		return err
	}

	return WriteDqReport(filepath.Join(features_dir, "dq_features.json"), summary)
}
