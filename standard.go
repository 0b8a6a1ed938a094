package quakelink

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"

	"github.com/alitto/pond"
)

// FilterEffect reports the value spread on either side of the low-pass
// step, computed from the same streaming sufficient statistics the engine
// already carries.
type FilterEffect struct {
	BeforeStd *float64 `json:"before_std"`
	AfterStd  *float64 `json:"after_std"`
}

// streamCleaner is the pass-two state machine of the standardization
// engine. It consumes raw batches in store order and emits cleaned rows,
// holding back an overlap-sized raw tail per (station_id, channel) group so
// window operations never straddle a batch boundary. Memory stays bounded by
// batch_rows plus twice the overlap per active group (the held-back tail and
// the already-emitted left context).
type streamCleaner struct {
	source  string
	cfg     PreprocessConfig
	expand  *ExpandConfig
	ref     GroupStats
	overlap int

	version    string
	paramsHash string

	// per group: raw rows not yet emitted, preceded by up to overlap raw
	// rows of already-emitted left context so window operations at the
	// emit boundary see the same neighbourhood a single-batch run would
	tails    map[GroupKey][]Record
	contexts map[GroupKey][]Record

	beforeFilter SuffStats
	afterFilter  SuffStats

	sink func(batch []Record) error
}

func newStreamCleaner(source string, cfg PreprocessConfig, expand *ExpandConfig, ref GroupStats, version, paramsHash string, sink func([]Record) error) *streamCleaner {
	return &streamCleaner{
		source:     source,
		cfg:        cfg,
		expand:     expand,
		ref:        ref,
		overlap:    CleanOverlap(cfg),
		version:    version,
		paramsHash: paramsHash,
		tails:      make(map[GroupKey][]Record),
		contexts:   make(map[GroupKey][]Record),
		sink:       sink,
	}
}

// ProcessBatch cleans one raw batch. Groups present in the batch are cleaned
// together with their carried tail; only rows clear of the overlap zone are
// emitted, the trailing raw rows are retained for the next batch.
func (sc *streamCleaner) ProcessBatch(batch []Record) error {
	groups := make(map[GroupKey][]Record)
	for i := range batch {
		key := batch[i].Key()
		groups[key] = append(groups[key], batch[i])
	}

	keys := make([]GroupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StationID != keys[j].StationID {
			return keys[i].StationID < keys[j].StationID
		}
		return keys[i].Channel < keys[j].Channel
	})

	for _, key := range keys {
		pending := append(sc.tails[key], groups[key]...)
		if len(pending) <= sc.overlap {
			sc.tails[key] = pending
			continue
		}

		context := sc.contexts[key]
		all := append(cloneRecords(context), pending...)
		sortByTs(all)

		cut := len(all) - sc.overlap
		raw_tail := cloneRecords(all[cut:])
		ctx_start := cut - sc.overlap
		if ctx_start < 0 {
			ctx_start = 0
		}
		raw_context := cloneRecords(all[ctx_start:cut])

		if err := sc.cleanAndEmit(key, all, len(context), cut); err != nil {
			return err
		}
		sc.tails[key] = raw_tail
		sc.contexts[key] = raw_context
	}

	return nil
}

// Flush cleans and emits every retained tail. Called once the raw stream is
// exhausted.
func (sc *streamCleaner) Flush() error {
	keys := make([]GroupKey, 0, len(sc.tails))
	for key := range sc.tails {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StationID != keys[j].StationID {
			return keys[i].StationID < keys[j].StationID
		}
		return keys[i].Channel < keys[j].Channel
	})

	for _, key := range keys {
		tail := sc.tails[key]
		context := sc.contexts[key]
		delete(sc.tails, key)
		delete(sc.contexts, key)
		if len(tail) == 0 {
			continue
		}

		all := append(cloneRecords(context), tail...)
		sortByTs(all)
		if err := sc.cleanAndEmit(key, all, len(context), len(all)); err != nil {
			return err
		}
	}

	return nil
}

func (sc *streamCleaner) cleanAndEmit(key GroupKey, rows []Record, emitStart, emitEnd int) error {
	ref_mean, ref_std, _ := sc.ref.Reference(key)
	CleanGroup(rows, sc.source, sc.cfg, ref_mean, ref_std, &sc.beforeFilter, &sc.afterFilter)

	emit := rows[emitStart:emitEnd]
	for i := range emit {
		emit[i].ProcStage = StageTagStandard
		emit[i].ProcVersion = sc.version
		emit[i].ParamsHash = sc.paramsHash
	}

	if sc.expand != nil && sc.expand.Seconds > 1 {
		emit = expandMinuteRows(emit, *sc.expand)
	}
	if len(emit) == 0 {
		return nil
	}

	return sc.sink(emit)
}

// FilterEffect summarises the spread before and after the low-pass step.
func (sc *streamCleaner) FilterEffect() FilterEffect {
	var effect FilterEffect

	if sc.beforeFilter.Count > 0 {
		effect.BeforeStd = F64(sc.beforeFilter.Std())
	}
	if sc.afterFilter.Count > 0 {
		effect.AfterStd = F64(sc.afterFilter.Std())
	}

	return effect
}

func cloneRecords(rows []Record) []Record {
	out := make([]Record, len(rows))
	copy(out, rows)

	return out
}

// expandMinuteRows repeats each cleaned row on a one-second grid. The copies
// at new timestamps are marked interpolated with the minute_expand method;
// the copy at the original timestamp keeps its measured flags so the
// interpolation invariant stays truthful.
func expandMinuteRows(rows []Record, cfg ExpandConfig) []Record {
	n := cfg.Seconds
	start := 0
	if cfg.Mode == "centered" {
		start = -n / 2
	}

	out := make([]Record, 0, len(rows)*n)
	for i := range rows {
		for k := start; k < start+n; k++ {
			row := rows[i]
			row.TsMs = rows[i].TsMs + int64(k)*1000
			if k != 0 {
				row.Flags.IsInterpolated = true
				row.Flags.InterpMethod = "minute_expand"
			}
			out = append(out, row)
		}
	}

	return out
}

// standardizeTimeseries is the two-pass engine for one group-wise source.
// Pass one scans the raw store for per-group sufficient statistics; pass two
// streams the store again through the cleaner into the standard store.
func (p *Pipeline) standardizeTimeseries(ctx context.Context, env *StageEnv, source string) (SourceStats, FilterEffect, error) {
	raw_root := filepath.Join(env.Paths.Raw, "source="+source)
	std_root := filepath.Join(env.Paths.Standard, "source="+source)
	if err := resetStageRoot(std_root); err != nil {
		return SourceStats{}, FilterEffect{}, err
	}

	cfg := env.Config.Preprocess.ForSource(source)
	batch_rows := cfg.BatchRows
	if batch_rows <= 0 {
		batch_rows = env.Config.Storage.Parquet.BatchRows
	}
	max_rows := env.Config.Limits.MaxRowsPerSource

	pred := &Predicate{}
	ref, err := ScanGroupStats(raw_root, pred, batch_rows, max_rows)
	if err != nil {
		return SourceStats{}, FilterEffect{}, errors.Join(ErrStandardize, err, errors.New(source))
	}
	env.Log.Debug().Str("source", source).Int("groups", len(ref)).Msg("pass one complete")

	var expand *ExpandConfig
	if e, ok := env.Config.Preprocess.ExpandMinuteToSeconds[source]; ok && e.Seconds > 1 {
		expand = &e
	}

	collector := NewStatsCollector()
	writer := NewPartitionedWriter(std_root, rawPartitionCfg(env.Config.Storage.Parquet)).WithNamespace(env.ParamsHash)

	cleaner := newStreamCleaner(source, cfg, expand, ref, env.Config.Pipeline.Version, env.ParamsHash, func(batch []Record) error {
		collector.Observe(batch)
		return writer.Append(batch)
	})

	seen := 0
	err = ScanBatches(raw_root, pred, batch_rows, func(batch []Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cleaner.ProcessBatch(batch); err != nil {
			return err
		}
		seen += len(batch)
		if max_rows > 0 && seen >= max_rows {
			return errScanDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return SourceStats{}, FilterEffect{}, errors.Join(ErrStandardize, err, errors.New(source))
	}

	if err := cleaner.Flush(); err != nil {
		return SourceStats{}, FilterEffect{}, errors.Join(ErrStandardize, err, errors.New(source))
	}
	if err := writer.Close(); err != nil {
		return SourceStats{}, FilterEffect{}, err
	}

	return collector.Stats(), cleaner.FilterEffect(), nil
}

// runStandard cleans every source into the standard store. Sources are
// independent, so they fan out over a fixed worker pool; each worker owns
// its writer and accumulator state.
func (p *Pipeline) runStandard(ctx context.Context, env *StageEnv) error {
	var (
		mu      sync.Mutex
		stats   = make(map[string]any)
		effects = make(map[string]any)
		errs    []error
	)

	pool := pond.New(len(Sources), 0, pond.MinWorkers(len(Sources)), pond.Context(ctx))

	for _, source := range []string{SourceGeomag, SourceAef} {
		src := source
		pool.Submit(func() {
			source_stats, effect, err := p.standardizeTimeseries(ctx, env, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if source_stats.Rows > 0 {
				stats[src] = source_stats
			}
			effects[src] = effect
		})
	}

	pool.Submit(func() {
		source_stats, err := p.standardizeSeismic(ctx, env)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if source_stats.Rows > 0 {
			stats[SourceSeismic] = source_stats
		}
	})

	pool.Submit(func() {
		source_stats, err := p.standardizeVlf(ctx, env)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if source_stats.Rows > 0 {
			stats[SourceVlf] = source_stats
		}
	})

	pool.StopAndWait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := WriteDqReport(filepath.Join(env.Paths.Reports, "dq_standard.json"), map[string]any{"sources": stats}); err != nil {
		return err
	}
	if _, err := WriteJson(filepath.Join(env.Paths.Reports, "filter_effect.json"), effects); err != nil {
		return err
	}

	return nil
}
