package quakelink

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/alitto/pond"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"
)

// AnomalyRow is one ranked anomaly from the feature table.
type AnomalyRow struct {
	Rank      int     `parquet:"rank" json:"rank"`
	Source    string  `parquet:"source,dict" json:"source"`
	StationID string  `parquet:"station_id,dict" json:"station_id"`
	Feature   string  `parquet:"feature,dict" json:"feature"`
	Score     float64 `parquet:"score" json:"score"`
}

// ChangeRow is the pre/post change score of one (source, channel) series.
type ChangeRow struct {
	EventID     string  `parquet:"event_id,dict" json:"event_id"`
	Source      string  `parquet:"source,dict" json:"source"`
	Channel     string  `parquet:"channel,dict" json:"channel"`
	PreMean     float64 `parquet:"pre_mean" json:"pre_mean"`
	PreStd      float64 `parquet:"pre_std" json:"pre_std"`
	PostMean    float64 `parquet:"post_mean" json:"post_mean"`
	PostStd     float64 `parquet:"post_std" json:"post_std"`
	DeltaMean   float64 `parquet:"delta_mean" json:"delta_mean"`
	ChangeScore float64 `parquet:"change_score" json:"change_score"`
	ChangeFlag  bool    `parquet:"change_flag" json:"change_flag"`
	ParamsHash  string  `parquet:"params_hash,dict" json:"params_hash"`
}

// SimilarityRow is the best-lag correlation of one cross-source pair. The
// pair is oriented physically, not alphabetically: source_a/channel_a is the
// leading series and source_b/channel_b trails it by lag_minutes (>= 0).
type SimilarityRow struct {
	EventID        string  `parquet:"event_id,dict" json:"event_id"`
	SourceA        string  `parquet:"source_a,dict" json:"source_a"`
	ChannelA       string  `parquet:"channel_a,dict" json:"channel_a"`
	SourceB        string  `parquet:"source_b,dict" json:"source_b"`
	ChannelB       string  `parquet:"channel_b,dict" json:"channel_b"`
	Corr           float64 `parquet:"corr" json:"corr"`
	LagMinutes     int     `parquet:"lag_minutes" json:"lag_minutes"`
	OverlapPoints  int     `parquet:"overlap_points" json:"overlap_points"`
	SimilarityFlag bool    `parquet:"similarity_flag" json:"similarity_flag"`
	ParamsHash     string  `parquet:"params_hash,dict" json:"params_hash"`
}

// seriesKey identifies one association series.
type seriesKey struct {
	Source  string
	Channel string
}

// tsSeries is a timestamp-indexed value series with unique, sorted
// timestamps.
type tsSeries struct {
	ts     []int64
	values []float64
}

// RankAnomalies z-scores every feature within its (source, channel,
// feature) group, keeps rows at or beyond the threshold and ranks the top-N
// by absolute score.
func RankAnomalies(features []FeatureRow, threshold float64, topn int) []AnomalyRow {
	type groupKey struct {
		source  string
		channel string
		feature string
	}

	byGroup := make(map[groupKey][]int)
	for i := range features {
		key := groupKey{source: features[i].Source, channel: features[i].Channel, feature: features[i].Feature}
		byGroup[key] = append(byGroup[key], i)
	}

	scores := make([]float64, len(features))
	for _, idxs := range byGroup {
		values := make([]float64, len(idxs))
		for i, idx := range idxs {
			values[i] = features[idx].Value
		}
		mean := stat.Mean(values, nil)
		std := 0.0
		if len(values) > 1 {
			std = stat.StdDev(values, nil)
		}
		if std == 0 || math.IsNaN(std) {
			std = 1.0
		}
		for i, idx := range idxs {
			scores[idx] = (values[i] - mean) / std
		}
	}

	var selected []int
	for i := range features {
		if math.Abs(scores[i]) >= threshold {
			selected = append(selected, i)
		}
	}
	sort.SliceStable(selected, func(a, b int) bool {
		return math.Abs(scores[selected[a]]) > math.Abs(scores[selected[b]])
	})
	if topn > 0 && len(selected) > topn {
		selected = selected[:topn]
	}

	rows := make([]AnomalyRow, len(selected))
	for rank, idx := range selected {
		rows[rank] = AnomalyRow{
			Rank:      rank + 1,
			Source:    features[idx].Source,
			StationID: features[idx].StationID,
			Feature:   features[idx].Feature,
			Score:     scores[idx],
		}
	}

	return rows
}

// buildSeriesMap collapses the aligned table onto (source, channel) series,
// merging duplicate timestamps by median.
func buildSeriesMap(aligned []Record) map[seriesKey]*tsSeries {
	cells := make(map[seriesKey]map[int64][]float64)
	for i := range aligned {
		r := &aligned[i]
		if r.Value == nil || r.Source == "" || r.Channel == "" {
			continue
		}
		key := seriesKey{Source: r.Source, Channel: r.Channel}
		if cells[key] == nil {
			cells[key] = make(map[int64][]float64)
		}
		cells[key][r.TsMs] = append(cells[key][r.TsMs], *r.Value)
	}

	out := make(map[seriesKey]*tsSeries, len(cells))
	for key, byTs := range cells {
		stamps := lo.Keys(byTs)
		sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

		series := &tsSeries{ts: make([]int64, len(stamps)), values: make([]float64, len(stamps))}
		for i, ts := range stamps {
			series.ts[i] = ts
			series.values[i] = median(byTs[ts])
		}
		out[key] = series
	}

	return out
}

// zscored returns a standardized copy of the series, or nil when it has too
// few points or no spread.
func (s *tsSeries) zscored(minPoints int) *tsSeries {
	if len(s.values) < minPoints {
		return nil
	}

	mean := stat.Mean(s.values, nil)
	std := stat.StdDev(s.values, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}

	out := &tsSeries{ts: s.ts, values: make([]float64, len(s.values))}
	for i, v := range s.values {
		out.values[i] = (v - mean) / std
	}

	return out
}

// corrAtLag pairs a(t) with b(t + lag) and computes the Pearson correlation
// over the overlap; a positive best lag therefore means b trails a.
func corrAtLag(a, b *tsSeries, lagMs int64, minOverlap int) (float64, int, bool) {
	var xs, ys []float64

	i, j := 0, 0
	for i < len(a.ts) && j < len(b.ts) {
		bt := b.ts[j] - lagMs
		switch {
		case a.ts[i] == bt:
			xs = append(xs, a.values[i])
			ys = append(ys, b.values[j])
			i++
			j++
		case a.ts[i] < bt:
			i++
		default:
			j++
		}
	}

	if len(xs) < minOverlap {
		return 0, len(xs), false
	}

	corr := stat.Correlation(xs, ys, nil)
	if math.IsNaN(corr) || math.IsInf(corr, 0) {
		return 0, len(xs), false
	}

	return corr, len(xs), true
}

// bestLag searches the configured lag grid for the maximum absolute
// correlation.
func bestLag(a, b *tsSeries, cfg AssociationConfig) (SimilarityRow, bool) {
	lag_step := cfg.LagStepMinutes
	if lag_step < 1 {
		lag_step = 1
	}
	max_lag := cfg.MaxLagMinutes
	if max_lag < 0 {
		max_lag = 0
	}

	var (
		best_corr float64
		best_lag  int
		best_n    int
		found     bool
	)

	for lag := -max_lag; lag <= max_lag; lag += lag_step {
		corr, overlap, ok := corrAtLag(a, b, int64(lag)*60_000, cfg.MinOverlap)
		if !ok {
			continue
		}
		if !found || math.Abs(corr) > math.Abs(best_corr) {
			best_corr = corr
			best_lag = lag
			best_n = overlap
			found = true
		}
	}
	if !found {
		return SimilarityRow{}, false
	}

	return SimilarityRow{
		Corr:           best_corr,
		LagMinutes:     best_lag,
		OverlapPoints:  best_n,
		SimilarityFlag: math.Abs(best_corr) >= cfg.CorrThreshold,
	}, true
}

// ComputeChanges splits every series at the event origin and scores the
// shift of the mean against the pre-event spread.
func ComputeChanges(seriesMap map[seriesKey]*tsSeries, originMs int64, cfg AssociationConfig, eventID, paramsHash string) []ChangeRow {
	keys := lo.Keys(seriesMap)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Channel < keys[j].Channel
	})

	var rows []ChangeRow
	for _, key := range keys {
		series := seriesMap[key]

		var pre, post []float64
		for i, ts := range series.ts {
			if ts < originMs {
				pre = append(pre, series.values[i])
			} else {
				post = append(post, series.values[i])
			}
		}
		if len(pre) == 0 || len(post) == 0 {
			continue
		}

		pre_mean := stat.Mean(pre, nil)
		post_mean := stat.Mean(post, nil)
		pre_std := 0.0
		if len(pre) > 1 {
			pre_std = stat.StdDev(pre, nil)
		}
		post_std := 0.0
		if len(post) > 1 {
			post_std = stat.StdDev(post, nil)
		}

		denom := pre_std
		if denom <= 0 {
			denom = 1.0
		}
		delta := post_mean - pre_mean
		score := math.Abs(delta) / denom

		rows = append(rows, ChangeRow{
			EventID:     eventID,
			Source:      key.Source,
			Channel:     key.Channel,
			PreMean:     pre_mean,
			PreStd:      pre_std,
			PostMean:    post_mean,
			PostStd:     post_std,
			DeltaMean:   delta,
			ChangeScore: score,
			ChangeFlag:  score >= cfg.ChangeThreshold,
			ParamsHash:  paramsHash,
		})
	}

	return rows
}

// ComputeSimilarity runs the lag search over every cross-source pair of
// z-scored series, fanning the pairs out over a worker pool. Pair
// enumeration order is deterministic and the result is re-sorted, so the
// parallelism never shows in the output. Each result is re-oriented so the
// leading series lands in the a role; without that step the lag sign would
// depend on how the source tags happen to sort.
func ComputeSimilarity(ctx context.Context, seriesMap map[seriesKey]*tsSeries, cfg AssociationConfig, eventID, paramsHash string) []SimilarityRow {
	keys := lo.Keys(seriesMap)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Channel < keys[j].Channel
	})

	standardized := make(map[seriesKey]*tsSeries, len(keys))
	for _, key := range keys {
		standardized[key] = seriesMap[key].zscored(cfg.MinPoints)
	}

	type pair struct{ a, b seriesKey }
	var pairs []pair
	for i, key_a := range keys {
		if standardized[key_a] == nil {
			continue
		}
		for _, key_b := range keys[i+1:] {
			if key_a.Source == key_b.Source || standardized[key_b] == nil {
				continue
			}
			pairs = append(pairs, pair{a: key_a, b: key_b})
		}
	}

	var (
		mu   sync.Mutex
		rows []SimilarityRow
	)

	pool := pond.New(poolSize(len(pairs)), 0, pond.Context(ctx))
	for _, pr := range pairs {
		p := pr
		pool.Submit(func() {
			row, ok := bestLag(standardized[p.a], standardized[p.b], cfg)
			if !ok {
				return
			}

			// corrAtLag pairs a(t) with b(t+lag), so a negative best lag
			// means the series in the a role is the trailing one; swap the
			// roles so the reported lag is the physical trail of b behind a
			lead, trail := p.a, p.b
			if row.LagMinutes < 0 {
				lead, trail = p.b, p.a
				row.LagMinutes = -row.LagMinutes
			}

			row.EventID = eventID
			row.SourceA = lead.Source
			row.ChannelA = lead.Channel
			row.SourceB = trail.Source
			row.ChannelB = trail.Channel
			row.ParamsHash = paramsHash

			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		})
	}
	pool.StopAndWait()

	sort.SliceStable(rows, func(i, j int) bool {
		if math.Abs(rows[i].Corr) != math.Abs(rows[j].Corr) {
			return math.Abs(rows[i].Corr) > math.Abs(rows[j].Corr)
		}
		if rows[i].SourceA != rows[j].SourceA {
			return rows[i].SourceA < rows[j].SourceA
		}
		return rows[i].ChannelA < rows[j].ChannelA
	})
	if cfg.TopnPairs > 0 && len(rows) > cfg.TopnPairs {
		rows = rows[:cfg.TopnPairs]
	}

	return rows
}

func poolSize(tasks int) int {
	if tasks < 1 {
		return 1
	}
	if tasks > 8 {
		return 8
	}

	return tasks
}

// AssociationSummary is the roll-up of change detection and lag
// correlation.
type AssociationSummary struct {
	EventID         string   `json:"event_id"`
	OriginTimeUTC   string   `json:"origin_time_utc"`
	ChangeThreshold float64  `json:"change_threshold"`
	CorrThreshold   float64  `json:"corr_threshold"`
	ChangeSources   []string `json:"change_sources"`
	ChangeRows      int      `json:"change_rows"`
	SimilarityRows  int      `json:"similarity_rows"`
	CoOccurrence    bool     `json:"co_occurrence"`
	SimilarityFlag  bool     `json:"similarity_flag"`
	AssociationFlag bool     `json:"association_flag"`
	ParamsHash      string   `json:"params_hash"`
}

// runModel scores anomalies and cross-source association for the selected
// event.
func (p *Pipeline) runModel(ctx context.Context, env *StageEnv) error {
	event, err := env.Config.GetEvent(env.EventID)
	if err != nil {
		return err
	}
	origin_ms, err := event.OriginMs()
	if err != nil {
		return errors.Join(ErrAssociation, err)
	}

	features_dir := env.Paths.FeaturesEvent(event.EventID)
	features, err := ReadTable[FeatureRow](filepath.Join(features_dir, "features.parquet"))
	if err != nil {
		return errors.Join(ErrAssociation, err)
	}

	threshold := env.Config.Features.AnomalyThreshold
	topn := env.Config.Features.TopnAnomalies
	anomalies := RankAnomalies(features, threshold, topn)
	compression := env.Config.Storage.Parquet.Compression

	if err := WriteTable(filepath.Join(features_dir, "anomaly.parquet"), anomalies, compression); err != nil {
		return err
	}
	if err := WriteDqReport(filepath.Join(features_dir, "dq_anomaly.json"), map[string]any{
		"event_id":  event.EventID,
		"anomalies": len(anomalies),
		"threshold": threshold,
	}); err != nil {
		return err
	}

	aligned, err := ReadAligned(filepath.Join(env.Paths.LinkedEvent(event.EventID), "aligned.parquet"))
	if err != nil {
		return errors.Join(ErrAssociation, err)
	}

	assoc_cfg := env.Config.Features.Association
	series_map := buildSeriesMap(aligned)

	changes := ComputeChanges(series_map, origin_ms, assoc_cfg, event.EventID, env.ParamsHash)
	similarity := ComputeSimilarity(ctx, series_map, assoc_cfg, event.EventID, env.ParamsHash)

	if err := WriteTable(filepath.Join(features_dir, "association_changes.parquet"), changes, compression); err != nil {
		return err
	}
	if err := WriteTable(filepath.Join(features_dir, "association_similarity.parquet"), similarity, compression); err != nil {
		return err
	}

	change_sources := make(map[string]struct{})
	for i := range changes {
		if changes[i].ChangeFlag {
			change_sources[changes[i].Source] = struct{}{}
		}
	}
	similarity_flag := false
	for i := range similarity {
		if similarity[i].SimilarityFlag {
			similarity_flag = true
			break
		}
	}

	co_occurrence := len(change_sources) >= assoc_cfg.MinSources
	flagged := lo.Keys(change_sources)
	sort.Strings(flagged)

	summary := AssociationSummary{
		EventID:         event.EventID,
		OriginTimeUTC:   event.OriginTimeUTC,
		ChangeThreshold: assoc_cfg.ChangeThreshold,
		CorrThreshold:   assoc_cfg.CorrThreshold,
		ChangeSources:   flagged,
		ChangeRows:      len(changes),
		SimilarityRows:  len(similarity),
		CoOccurrence:    co_occurrence,
		SimilarityFlag:  similarity_flag,
		AssociationFlag: co_occurrence || similarity_flag,
		ParamsHash:      env.ParamsHash,
	}
	if _, err := WriteJson(filepath.Join(features_dir, "association.json"), summary); err != nil {
		return err
	}

	return writeRulebook(env, threshold, topn)
}

// writeRulebook records the scoring thresholds applied by this run.
func writeRulebook(env *StageEnv, threshold float64, topn int) error {
	rulebook := map[string]any{
		"anomaly_threshold": threshold,
		"topn":              topn,
		"params_hash":       env.ParamsHash,
	}

	payload, err := yaml.Marshal(rulebook)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(env.Paths.Models, 0o755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(env.Paths.Models, "rulebook.yaml"), payload, 0o644)
}
