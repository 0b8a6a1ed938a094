package quakelink

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
)

// StationSummary is the per-source station roll-up of the linked table:
// first-seen coordinates, closest approach and row count.
type StationSummary struct {
	StationID  string   `json:"station_id"`
	Source     string   `json:"source"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	Elev       *float64 `json:"elev"`
	DistanceKm *float64 `json:"distance_km"`
	Rows       int      `json:"rows"`
}

// LinkSummary is the linking quality report for one event.
type LinkSummary struct {
	EventID       string            `json:"event_id"`
	OriginTimeUTC string            `json:"origin_time_utc"`
	TimeWindow    map[string]string `json:"time_window"`
	Sources       map[string]int    `json:"sources"`
	UniqueBins    int               `json:"unique_bins"`
	ExpectedBins  int               `json:"expected_bins"`
	JoinCoverage  float64           `json:"join_coverage"`
}

// alignTs snaps a timestamp onto the alignment grid, truncating toward
// negative infinity so pre-epoch timestamps land on the same grid.
func alignTs(ts_ms, interval_ms int64) int64 {
	q := ts_ms / interval_ms
	if ts_ms%interval_ms < 0 {
		q--
	}

	return q * interval_ms
}

// linkSource pulls one source's event-window rows from the standard store
// and applies the location and distance filters. Rows without coordinates
// survive only when the whole source is unlocated (a source that reports no
// coordinates at all cannot be distance-filtered meaningfully).
func linkSource(root string, event *Event, t0, t1 int64, cfg LinkConfig, batchRows int) ([]Record, error) {
	pred := &Predicate{TsMin: &t0, TsMax: &t1}

	var rows []Record
	err := ScanBatches(root, pred, batchRows, func(batch []Record) error {
		rows = append(rows, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	located := false
	for i := range rows {
		if rows[i].Lat != nil && rows[i].Lon != nil {
			located = true
			break
		}
	}

	if !located {
		if cfg.RequireStationLocation {
			return nil, nil
		}
		return rows, nil
	}

	dlat, dlon := BoundingBoxDeg(event.Lat, cfg.SpatialKm)

	kept := rows[:0]
	for i := range rows {
		r := rows[i]
		if r.Lat == nil || r.Lon == nil {
			continue
		}
		// cheap box rejection before the exact distance
		if *r.Lat < event.Lat-dlat || *r.Lat > event.Lat+dlat ||
			*r.Lon < event.Lon-dlon || *r.Lon > event.Lon+dlon {
			continue
		}
		distance := HaversineKm(event.Lat, event.Lon, *r.Lat, *r.Lon)
		if distance > cfg.SpatialKm {
			continue
		}
		r.DistanceKm = F64(distance)
		kept = append(kept, r)
	}

	return kept, nil
}

// runLink builds the aligned multi-source table and station summary for the
// selected event.
func (p *Pipeline) runLink(ctx context.Context, env *StageEnv) error {
	event, err := env.Config.GetEvent(env.EventID)
	if err != nil {
		return err
	}

	pre := env.Config.Time.EventWindow.PreHours
	post := env.Config.Time.EventWindow.PostHours
	t0, t1, err := event.Window(pre, post)
	if err != nil {
		return errors.Join(ErrLink, err)
	}
	interval_ms := env.Config.AlignIntervalMs()

	var (
		aligned       []Record
		stations      []StationSummary
		source_counts = make(map[string]int)
	)

	for _, source := range Sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		root := filepath.Join(env.Paths.Standard, "source="+source)
		rows, err := linkSource(root, event, t0, t1, env.Config.Link, env.Config.Storage.Parquet.BatchRows)
		if err != nil {
			return errors.Join(ErrLink, err, errors.New(source))
		}
		if len(rows) == 0 {
			continue
		}

		byStation := make(map[string]*StationSummary)
		var station_order []string

		for i := range rows {
			rows[i].Source = source
			rows[i].TsMs = alignTs(rows[i].TsMs, interval_ms)
			rows[i].EventID = event.EventID

			summary, seen := byStation[rows[i].StationID]
			if !seen {
				summary = &StationSummary{
					StationID: rows[i].StationID,
					Source:    source,
					Lat:       rows[i].Lat,
					Lon:       rows[i].Lon,
					Elev:      rows[i].Elev,
				}
				byStation[rows[i].StationID] = summary
				station_order = append(station_order, rows[i].StationID)
			}
			summary.Rows++
			if rows[i].DistanceKm != nil {
				if summary.DistanceKm == nil || *rows[i].DistanceKm < *summary.DistanceKm {
					summary.DistanceKm = rows[i].DistanceKm
				}
			}
		}

		sort.Strings(station_order)
		for _, station := range station_order {
			stations = append(stations, *byStation[station])
		}

		source_counts[source] = len(rows)
		aligned = append(aligned, rows...)
	}

	linked_dir := env.Paths.LinkedEvent(event.EventID)
	aligned_path := filepath.Join(linked_dir, "aligned.parquet")

	// an empty window still writes a schema-valid aligned table
	if err := WriteAligned(aligned_path, aligned, env.Config.Storage.Parquet.Compression); err != nil {
		return err
	}
	if _, err := WriteJson(filepath.Join(linked_dir, "stations.json"), map[string]any{"stations": stations}); err != nil {
		return err
	}

	expected_bins := int((t1 - t0) / interval_ms)
	unique := make(map[int64]struct{})
	for i := range aligned {
		unique[aligned[i].TsMs] = struct{}{}
	}
	coverage := 0.0
	if expected_bins > 0 {
		coverage = float64(len(unique)) / float64(expected_bins)
		if coverage > 1 {
			coverage = 1
		}
	}

	summary := LinkSummary{
		EventID:       event.EventID,
		OriginTimeUTC: event.OriginTimeUTC,
		TimeWindow: map[string]string{
			"start": msToIso(t0),
			"end":   msToIso(t1),
		},
		Sources:      source_counts,
		UniqueBins:   len(unique),
		ExpectedBins: expected_bins,
		JoinCoverage: coverage,
	}
	if _, err := WriteJson(filepath.Join(linked_dir, "summary.json"), summary); err != nil {
		return err
	}
	if err := WriteDqReport(filepath.Join(linked_dir, "dq_linked.json"), map[string]any{
		"event_id":      summary.EventID,
		"unique_bins":   summary.UniqueBins,
		"expected_bins": summary.ExpectedBins,
		"join_coverage": summary.JoinCoverage,
		"sources":       summary.Sources,
	}); err != nil {
		return err
	}

	event_payload := map[string]any{
		"event_id":         event.EventID,
		"name":             event.Name,
		"origin_time_utc":  event.OriginTimeUTC,
		"lat":              event.Lat,
		"lon":              event.Lon,
		"depth_km":         event.DepthKm,
		"magnitude":        event.Magnitude,
		"pipeline_version": env.Config.Pipeline.Version,
		"params_hash":      env.ParamsHash,
		"align_interval":   env.Config.Time.AlignInterval,
		"window":           map[string]float64{"pre_hours": pre, "post_hours": post},
		"spatial_km":       env.Config.Link.SpatialKm,
	}
	if _, err := WriteJson(filepath.Join(linked_dir, "event.json"), event_payload); err != nil {
		return err
	}

	env.Log.Info().
		Str("event_id", event.EventID).
		Int("rows", len(aligned)).
		Float64("join_coverage", coverage).
		Msg("linked event window")

	return nil
}
