package quakelink

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// The format-specific readers (IAGA-2002, MiniSEED+StationXML, CDF) live
// outside the core; they plug in through these interfaces and speak the
// canonical record schema.

// RecordSource yields canonical records for one source tag, in batches.
type RecordSource interface {
	Source() string
	Records(ctx context.Context, batchRows int, fn func(batch []Record) error) error
}

// Trace is one contiguous waveform segment handed over by the seismic
// collaborator.
type Trace struct {
	StationID  string // net.sta.loc.chan compound key
	Channel    string // bare channel code
	StartMs    int64
	SampleRate float64
	Data       []float64
	Lat        *float64
	Lon        *float64
	Elev       *float64
}

// TraceSource yields seismic traces, typically backed by MiniSEED files and
// a StationXML inventory.
type TraceSource interface {
	Traces(ctx context.Context, fn func(trace *Trace) error) error
}

// SpectrogramSource yields VLF spectrogram blocks.
type SpectrogramSource interface {
	Spectrograms(ctx context.Context, fn func(spec *Spectrogram) error) error
}

// Renderer produces the per-event plot artifacts.
type Renderer interface {
	RenderPlots(ctx context.Context, env *StageEnv, event *Event) (map[string]any, error)
}

// TraceIndexRow is one entry of the seismic trace index, the canonical raw
// representation of waveform inputs.
type TraceIndexRow struct {
	StationID  string   `parquet:"station_id,dict" json:"station_id"`
	Channel    string   `parquet:"channel,dict" json:"channel"`
	StartMs    int64    `parquet:"start_ms" json:"start_ms"`
	EndMs      int64    `parquet:"end_ms" json:"end_ms"`
	SampleRate float64  `parquet:"sample_rate" json:"sample_rate"`
	Samples    int64    `parquet:"samples" json:"samples"`
	Lat        *float64 `parquet:"lat,optional" json:"lat"`
	Lon        *float64 `parquet:"lon,optional" json:"lon"`
	Elev       *float64 `parquet:"elev,optional" json:"elev"`
}

// runIngest drains every registered record source into the ingest store.
// A source with no registered reader is simply absent; the raw stage treats
// absence as an empty dataset.
func (p *Pipeline) runIngest(ctx context.Context, env *StageEnv) error {
	stats := make(map[string]any)

	for _, src := range p.recordSources {
		source := src.Source()
		root := filepath.Join(env.Paths.Ingest, source)
		if err := resetStageRoot(root); err != nil {
			return err
		}
		collector := NewStatsCollector()

		writer := NewPartitionedWriter(root, env.Config.Storage.Parquet).WithNamespace(env.ParamsHash)
		err := src.Records(ctx, env.Config.Storage.Parquet.BatchRows, func(batch []Record) error {
			collector.Observe(batch)
			return writer.Append(batch)
		})
		if err != nil {
			return errors.Join(ErrStageFailed, err, errors.New("ingest "+source))
		}
		if err := writer.Close(); err != nil {
			return err
		}

		stats[source] = collector.Stats()
		env.Log.Info().Str("source", source).Int64("rows", collector.Stats().Rows).Msg("ingested source")
	}

	return WriteDqReport(filepath.Join(env.Paths.Reports, "dq_ingest.json"), map[string]any{"sources": stats})
}

// runRaw stamps ingest records with the raw stage tags and rewrites them
// into the raw partitioned store. Seismic waveforms become a trace index;
// the samples stay in their source files until standardization.
func (p *Pipeline) runRaw(ctx context.Context, env *StageEnv) error {
	stats := make(map[string]any)
	version := env.Config.Pipeline.Version

	for _, source := range []string{SourceGeomag, SourceAef, SourceVlf} {
		ingest_root := filepath.Join(env.Paths.Ingest, source)
		raw_root := filepath.Join(env.Paths.Raw, "source="+source)
		if err := resetStageRoot(raw_root); err != nil {
			return err
		}

		collector := NewStatsCollector()
		writer := NewPartitionedWriter(raw_root, rawPartitionCfg(env.Config.Storage.Parquet)).WithNamespace(env.ParamsHash)

		err := ScanBatches(ingest_root, nil, env.Config.Storage.Parquet.BatchRows, func(batch []Record) error {
			for i := range batch {
				batch[i].Source = source
				batch[i].ProcStage = StageTagRaw
				batch[i].ProcVersion = version
				batch[i].ParamsHash = env.ParamsHash
			}
			collector.Observe(batch)
			return writer.Append(batch)
		})
		if err != nil {
			return errors.Join(ErrStageFailed, err, errors.New("raw "+source))
		}
		if err := writer.Close(); err != nil {
			return err
		}

		if s := collector.Stats(); s.Rows > 0 {
			stats[source] = s
		}
	}

	if p.traceSource != nil {
		index, err := p.buildTraceIndex(ctx, env)
		if err != nil {
			return err
		}
		if len(index) > 0 {
			path := filepath.Join(env.Paths.RawIndex, "seismic_traces.parquet")
			if err := WriteTable(path, index, env.Config.Storage.Parquet.Compression); err != nil {
				return err
			}
			stats[SourceSeismic] = map[string]any{"traces": len(index)}
		}
	}

	if err := WriteDqReport(filepath.Join(env.Paths.Reports, "dq_raw.json"), map[string]any{"sources": stats}); err != nil {
		return err
	}

	return writeCompressionStats(env)
}

// buildTraceIndex summarises every trace the collaborator can see; the index
// is what later stages consult for station coordinates.
func (p *Pipeline) buildTraceIndex(ctx context.Context, env *StageEnv) ([]TraceIndexRow, error) {
	var index []TraceIndexRow

	err := p.traceSource.Traces(ctx, func(trace *Trace) error {
		samples := int64(len(trace.Data))
		end_ms := trace.StartMs
		if trace.SampleRate > 0 {
			end_ms += int64(float64(samples) / trace.SampleRate * 1000.0)
		}

		index = append(index, TraceIndexRow{
			StationID:  trace.StationID,
			Channel:    trace.Channel,
			StartMs:    trace.StartMs,
			EndMs:      end_ms,
			SampleRate: trace.SampleRate,
			Samples:    samples,
			Lat:        trace.Lat,
			Lon:        trace.Lon,
			Elev:       trace.Elev,
		})

		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrStageFailed, err, errors.New("raw seismic index"))
	}

	return index, nil
}

// resetStageRoot clears a per-source output root so a re-run rewrites the
// dataset instead of appending a duplicate copy. Within a run, writers are
// append-only.
func resetStageRoot(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}

	return nil
}

// rawPartitionCfg drops the source partition key for per-source roots whose
// path already carries source=<tag>.
func rawPartitionCfg(cfg ParquetConfig) ParquetConfig {
	var keys []string
	for _, key := range cfg.PartitionCols {
		if key != "source" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		keys = []string{"station_id", "date"}
	}
	cfg.PartitionCols = keys

	return cfg
}

// writeCompressionStats records the on-disk footprint per raw source.
func writeCompressionStats(env *StageEnv) error {
	stats := make(map[string]any)

	for _, source := range Sources {
		root := filepath.Join(env.Paths.Raw, "source="+source)
		var total int64
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // absent source
			}
			if !d.IsDir() {
				if info, err := d.Info(); err == nil {
					total += info.Size()
				}
			}
			return nil
		})
		if err == nil && total > 0 {
			stats[source] = map[string]any{"bytes": total}
		}
	}

	_, err := WriteJson(filepath.Join(env.Paths.Reports, "compression_stats.json"), stats)

	return err
}

// runSpatial builds the brute-force station index under
// reports/spatial_index. Coordinates come from the seismic trace index plus
// any located rows in the raw stores. Linking does not read this index; it
// filters on the coordinates carried by the standard rows.
func (p *Pipeline) runSpatial(ctx context.Context, env *StageEnv) error {
	type stationEntry struct {
		StationID string   `parquet:"station_id,dict"`
		Source    string   `parquet:"source,dict"`
		Lat       *float64 `parquet:"lat,optional"`
		Lon       *float64 `parquet:"lon,optional"`
		Elev      *float64 `parquet:"elev,optional"`
	}

	seen := make(map[string]stationEntry)

	index, err := ReadTable[TraceIndexRow](filepath.Join(env.Paths.RawIndex, "seismic_traces.parquet"))
	if err != nil {
		return err
	}
	for i := range index {
		row := &index[i]
		if row.Lat == nil || row.Lon == nil {
			continue
		}
		if _, dup := seen[row.StationID]; !dup {
			seen[row.StationID] = stationEntry{
				StationID: row.StationID,
				Source:    SourceSeismic,
				Lat:       row.Lat,
				Lon:       row.Lon,
				Elev:      row.Elev,
			}
		}
	}

	for _, source := range []string{SourceGeomag, SourceAef} {
		root := filepath.Join(env.Paths.Raw, "source="+source)
		err := ScanBatches(root, nil, env.Config.Storage.Parquet.BatchRows, func(batch []Record) error {
			for i := range batch {
				r := &batch[i]
				if r.Lat == nil || r.Lon == nil {
					continue
				}
				if _, dup := seen[r.StationID]; !dup {
					seen[r.StationID] = stationEntry{
						StationID: r.StationID,
						Source:    source,
						Lat:       r.Lat,
						Lon:       r.Lon,
						Elev:      r.Elev,
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	entries := make([]stationEntry, 0, len(seen))
	for _, entry := range seen {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StationID < entries[j].StationID })

	path := filepath.Join(env.Paths.Reports, "spatial_index", "stations.parquet")
	if err := WriteTable(path, entries, env.Config.Storage.Parquet.Compression); err != nil {
		return err
	}

	return WriteDqReport(filepath.Join(env.Paths.Reports, "dq_spatial.json"), map[string]any{
		"station_count": len(entries),
		"index_type":    "bruteforce",
	})
}

// channelFromCompound recovers the bare channel code from a seismic
// compound key.
func channelFromCompound(stationID string) string {
	parts := strings.Split(stationID, ".")
	if len(parts) == 4 {
		return parts[3]
	}

	return stationID
}
