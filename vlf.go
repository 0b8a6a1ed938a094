package quakelink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strings"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Spectrogram is one VLF spectrogram block: a [T, F] power grid per
// channel, with nanosecond epochs on the time axis. ch2 is frequently absent
// from field recordings, so the channel set is discovered, never assumed.
type Spectrogram struct {
	StationID string
	EpochNs   []int64
	FreqHz    []float64
	Channels  map[string][][]float64
}

// SpectrogramCells declares the TileDB attribute layout of a stored
// spectrogram. The schema is derived from the tags at array-creation time.
type SpectrogramCells struct {
	Ch1 []float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
	Ch2 []float64 `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`
}

const (
	specMetaEpochs  = "Epoch-Ns"
	specMetaFreqs   = "Freq-Hz"
	specMetaStation = "Station-Id"
)

// channelOrder fixes the deterministic iteration order over discovered
// channels.
func (s *Spectrogram) channelOrder() []string {
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// applyLineMask zeroes frequency bins within half_width of each power-line
// harmonic.
func (s *Spectrogram) applyLineMask(cfg VlfLineMaskConfig) {
	if cfg.BaseHz <= 0 || cfg.Harmonics <= 0 {
		return
	}

	masked := make([]bool, len(s.FreqHz))
	for h := 1; h <= cfg.Harmonics; h++ {
		line := cfg.BaseHz * float64(h)
		for i, freq := range s.FreqHz {
			if math.Abs(freq-line) <= cfg.HalfWidthHz {
				masked[i] = true
			}
		}
	}

	for _, grid := range s.Channels {
		for _, row := range grid {
			for i, hit := range masked {
				if hit && i < len(row) {
					row[i] = 0
				}
			}
		}
	}
}

// applyTimeMedian smooths each frequency bin with a centered rolling median
// over time.
func (s *Spectrogram) applyTimeMedian(window int) {
	if window < 3 {
		return
	}

	for name, grid := range s.Channels {
		nrows := len(grid)
		if nrows == 0 {
			continue
		}
		ncols := len(grid[0])

		smoothed := make([][]float64, nrows)
		column := make([]float64, nrows)
		for i := range smoothed {
			smoothed[i] = make([]float64, ncols)
		}
		for col := 0; col < ncols; col++ {
			for row := 0; row < nrows; row++ {
				column[row] = grid[row][col]
			}
			med := rollingMedian(column, window)
			for row := 0; row < nrows; row++ {
				smoothed[row][col] = med[row]
			}
		}
		s.Channels[name] = smoothed
	}
}

// bandChannelName formats the standardized channel for a band.
func bandChannelName(channel string, band []float64) string {
	return fmt.Sprintf("%s_band_%g_%g", channel, band[0], band[1])
}

// bandValue aggregates one spectrogram row across the band's bins.
func bandValue(row []float64, freqs []float64, band []float64, agg string) float64 {
	var members []float64
	for i, freq := range freqs {
		if freq >= band[0] && freq < band[1] && i < len(row) {
			if !math.IsNaN(row[i]) {
				members = append(members, row[i])
			}
		}
	}
	if len(members) == 0 {
		return math.NaN()
	}

	if agg == "mean" {
		var sum float64
		for _, v := range members {
			sum += v
		}
		return sum / float64(len(members))
	}

	return median(members)
}

// peakFrequency finds the frequency of the strongest bin in a row.
func peakFrequency(row []float64, freqs []float64) float64 {
	best := math.Inf(-1)
	peak := math.NaN()
	for i, v := range row {
		if i >= len(freqs) || math.IsNaN(v) {
			continue
		}
		if v > best {
			best = v
			peak = freqs[i]
		}
	}

	return peak
}

// vlfBandRecords turns a masked and smoothed spectrogram into canonical
// records on the target alignment grid: per-band power channels plus a peak
// frequency channel per source channel. Rows landing in the same grid bin
// aggregate by the configured time_agg.
func vlfBandRecords(spec *Spectrogram, cfg VlfPreprocessConfig, version, paramsHash string) []Record {
	std := cfg.Standardize
	interval_ms := int64(60_000)
	if interval, err := ParseInterval(std.TargetInterval); err == nil && interval > 0 {
		interval_ms = interval.Milliseconds()
	}

	type binKey struct {
		channel string
		ts_ms   int64
	}
	bins := make(map[binKey][]float64)
	var order []binKey

	appendBin := func(channel string, ts_ms int64, value float64) {
		if math.IsNaN(value) {
			return
		}
		key := binKey{channel: channel, ts_ms: ts_ms}
		if _, seen := bins[key]; !seen {
			order = append(order, key)
		}
		bins[key] = append(bins[key], value)
	}

	for _, channel := range spec.channelOrder() {
		grid := spec.Channels[channel]
		for i, epoch_ns := range spec.EpochNs {
			if i >= len(grid) {
				break
			}
			row := grid[i]
			ts_ms := epoch_ns / 1_000_000
			ts_ms = (ts_ms / interval_ms) * interval_ms

			for _, band := range std.BandsHz {
				if len(band) != 2 {
					continue
				}
				appendBin(bandChannelName(channel, band), ts_ms, bandValue(row, spec.FreqHz, band, std.FreqAgg))
			}
			appendBin(channel+"_peak_freq", ts_ms, peakFrequency(row, spec.FreqHz))
		}
	}

	// per-channel baseline over the event-independent record set
	baselines := make(map[string]float64)
	if cfg.BackgroundSubtract.Method == "median" || cfg.BackgroundSubtract.Method == "mean" {
		byChannel := make(map[string][]float64)
		for key, values := range bins {
			if strings.HasSuffix(key.channel, "_peak_freq") {
				continue
			}
			byChannel[key.channel] = append(byChannel[key.channel], values...)
		}
		for channel, values := range byChannel {
			if cfg.BackgroundSubtract.Method == "mean" {
				var sum float64
				for _, v := range values {
					sum += v
				}
				baselines[channel] = sum / float64(len(values))
			} else {
				baselines[channel] = median(values)
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].channel != order[j].channel {
			return order[i].channel < order[j].channel
		}
		return order[i].ts_ms < order[j].ts_ms
	})

	preprocess := []string{"freq_line_mask"}
	if cfg.TimeMedianWindow >= 3 {
		preprocess = append(preprocess, "time_median")
	}
	if len(baselines) > 0 {
		preprocess = append(preprocess, "background_subtract_"+cfg.BackgroundSubtract.Method)
	}

	records := make([]Record, 0, len(order))
	for _, key := range order {
		values := bins[key]

		var value float64
		if std.TimeAgg == "median" {
			value = median(values)
		} else {
			var sum float64
			for _, v := range values {
				sum += v
			}
			value = sum / float64(len(values))
		}
		if baseline, ok := baselines[key.channel]; ok {
			value -= baseline
		}

		records = append(records, Record{
			TsMs:        key.ts_ms,
			Source:      SourceVlf,
			StationID:   spec.StationID,
			Channel:     key.channel,
			Value:       F64(value),
			Flags:       QualityFlags{Preprocess: preprocess},
			ProcStage:   StageTagStandard,
			ProcVersion: version,
			ParamsHash:  paramsHash,
		})
	}

	return records
}

// standardizeVlf pulls spectrograms from the collaborator (or the TileDB
// arrays under ingest/vlf when none is registered), standardizes them onto
// band channels and writes both the record rows and the masked spectrogram
// arrays.
func (p *Pipeline) standardizeVlf(ctx context.Context, env *StageEnv) (SourceStats, error) {
	source := p.specSource
	if source == nil {
		source = &tiledbSpectrogramSource{root: filepath.Join(env.Paths.Ingest, SourceVlf)}
	}

	cfg := env.Config.Preprocess.VlfPreprocess
	max_rows := env.Config.Limits.MaxRowsPerSource

	std_root := filepath.Join(env.Paths.Standard, "source="+SourceVlf)
	if err := resetStageRoot(std_root); err != nil {
		return SourceStats{}, err
	}
	if err := resetStageRoot(filepath.Join(env.Paths.Standard, "vlf_spec")); err != nil {
		return SourceStats{}, err
	}
	writer := NewPartitionedWriter(std_root, rawPartitionCfg(env.Config.Storage.Parquet)).WithNamespace(env.ParamsHash)
	collector := NewStatsCollector()

	var doneEarly = errors.New("row limit reached")
	err := source.Spectrograms(ctx, func(spec *Spectrogram) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		spec.applyLineMask(cfg.FreqLineMask)
		spec.applyTimeMedian(cfg.TimeMedianWindow)

		rows := vlfBandRecords(spec, cfg, env.Config.Pipeline.Version, env.ParamsHash)
		if len(rows) == 0 {
			return nil
		}

		collector.Observe(rows)
		if err := writer.Append(rows); err != nil {
			return err
		}

		spec_uri := filepath.Join(env.Paths.Standard, "vlf_spec", spec.StationID+".tiledb")
		if err := WriteSpectrogram(spec_uri, spec); err != nil {
			env.Log.Warn().Str("station", spec.StationID).Err(err).Msg("spectrogram write-back failed")
		}

		if max_rows > 0 && collector.Stats().Rows >= int64(max_rows) {
			return doneEarly
		}

		return nil
	})
	if err != nil && !errors.Is(err, doneEarly) {
		return SourceStats{}, errors.Join(ErrStandardize, err, errors.New(SourceVlf))
	}

	if err := writer.Close(); err != nil {
		return SourceStats{}, err
	}

	return collector.Stats(), nil
}

// tiledbSpectrogramSource walks ingest/vlf/<station>/... for spectrogram
// TileDB arrays written by the CDF converter.
type tiledbSpectrogramSource struct {
	root string
}

func (t *tiledbSpectrogramSource) Spectrograms(ctx context.Context, fn func(spec *Spectrogram) error) error {
	var uris []string

	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // absent root is an empty source
		}
		if d.IsDir() && strings.HasSuffix(path, ".tiledb") {
			uris = append(uris, path)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(uris)

	for _, uri := range uris {
		if err := ctx.Err(); err != nil {
			return err
		}
		spec, err := ReadSpectrogram(uri)
		if err != nil {
			// corrupt input: skip the file, keep the source going
			continue
		}
		if err := fn(spec); err != nil {
			return err
		}
	}

	return nil
}

// WriteSpectrogram stores a spectrogram as a dense [T, F] TileDB array with
// one float64 attribute per channel and the axes kept as JSON metadata. The
// attribute schema and filter pipeline come from the SpectrogramCells tags.
func WriteSpectrogram(uri string, spec *Spectrogram) error {
	config, err := tiledb.NewConfig()
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer config.Free()

	tdctx, err := tiledb.NewContext(config)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer tdctx.Free()

	nrows := int64(len(spec.EpochNs))
	ncols := int64(len(spec.FreqHz))
	if nrows == 0 || ncols == 0 {
		return errors.Join(ErrCreateSpecTdb, errors.New("empty spectrogram"))
	}

	domain, err := tiledb.NewDomain(tdctx)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer domain.Free()

	row_dim, err := tiledb.NewDimension(tdctx, "time", tiledb.TILEDB_INT64, []int64{0, nrows - 1}, nrows)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer row_dim.Free()

	col_dim, err := tiledb.NewDimension(tdctx, "freq", tiledb.TILEDB_INT64, []int64{0, ncols - 1}, ncols)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer col_dim.Free()

	err = domain.AddDimensions(row_dim, col_dim)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}

	schema, err := tiledb.NewArraySchema(tdctx, tiledb.TILEDB_DENSE)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer schema.Free()

	err = schema.SetDomain(domain)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}

	filter_defs, tiledb_defs, err := structFieldDefs(SpectrogramCells{})
	if err != nil {
		return err
	}
	for _, channel := range spec.channelOrder() {
		field := cellFieldName(channel)
		err = CreateCellAttr(channel, filter_defs[field], tiledb_defs[field], schema, tdctx)
		if err != nil {
			return err
		}
	}

	array, err := tiledb.NewArray(tdctx, uri)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer array.Free()

	err = array.Create(schema)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}

	err = array.Open(tiledb.TILEDB_WRITE)
	if err != nil {
		return errors.Join(ErrWriteSpecTdb, err)
	}
	defer array.Close()

	query, err := tiledb.NewQuery(tdctx, array)
	if err != nil {
		return errors.Join(ErrWriteSpecTdb, err)
	}
	defer query.Free()

	err = query.SetLayout(tiledb.TILEDB_ROW_MAJOR)
	if err != nil {
		return errors.Join(ErrWriteSpecTdb, err)
	}

	for _, channel := range spec.channelOrder() {
		flat := flattenGrid(spec.Channels[channel], int(nrows), int(ncols))
		_, err = query.SetDataBuffer(channel, flat)
		if err != nil {
			return errors.Join(ErrSetBuff, err, errors.New(channel))
		}
	}

	err = query.Submit()
	if err != nil {
		return errors.Join(ErrWriteSpecTdb, err)
	}

	err = array.PutMetadata(specMetaStation, spec.StationID)
	if err != nil {
		return errors.Join(ErrWriteSpecTdb, err)
	}
	for key, axis := range map[string]any{specMetaEpochs: spec.EpochNs, specMetaFreqs: spec.FreqHz} {
		jsn, err := JsonDumps(axis)
		if err != nil {
			return errors.Join(ErrWriteSpecTdb, err)
		}
		err = array.PutMetadata(key, jsn)
		if err != nil {
			return errors.Join(ErrWriteSpecTdb, err)
		}
	}

	return nil
}

// ReadSpectrogram loads a spectrogram array written by WriteSpectrogram (or
// the CDF converter, which shares the layout). Channel attributes are
// discovered from the schema, so an absent ch2 simply narrows the set.
func ReadSpectrogram(uri string) (*Spectrogram, error) {
	config, err := tiledb.NewConfig()
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer config.Free()

	tdctx, err := tiledb.NewContext(config)
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer tdctx.Free()

	array, err := openArray(tdctx, uri, tiledb.TILEDB_READ)
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer array.Free()
	defer array.Close()

	spec := &Spectrogram{Channels: make(map[string][][]float64)}

	if err := ReadArrayMetadataJson(array, specMetaEpochs, &spec.EpochNs); err != nil {
		return nil, err
	}
	if err := ReadArrayMetadataJson(array, specMetaFreqs, &spec.FreqHz); err != nil {
		return nil, err
	}
	if _, _, station, err := array.GetMetadata(specMetaStation); err == nil {
		if s, ok := station.(string); ok {
			spec.StationID = s
		}
	}

	nrows := len(spec.EpochNs)
	ncols := len(spec.FreqHz)
	if nrows == 0 || ncols == 0 {
		return nil, errors.Join(ErrReadSpecTdb, errors.New("missing axis metadata: "+uri))
	}

	schema, err := array.Schema()
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}

	query, err := tiledb.NewQuery(tdctx, array)
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer query.Free()

	err = query.SetLayout(tiledb.TILEDB_ROW_MAJOR)
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}

	subarray, err := array.NewSubarray()
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	defer subarray.Free()

	err = subarray.SetSubArray([]int64{0, int64(nrows - 1), 0, int64(ncols - 1)})
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}
	err = query.SetSubarray(subarray)
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}

	buffers := make(map[string][]float64)
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			return nil, errors.Join(ErrReadSpecTdb, err)
		}
		name, err := attr.Name()
		attr.Free()
		if err != nil {
			return nil, errors.Join(ErrReadSpecTdb, err)
		}

		buf := make([]float64, nrows*ncols)
		buffers[name] = buf
		_, err = query.SetDataBuffer(name, buf)
		if err != nil {
			return nil, errors.Join(ErrSetBuff, err, errors.New(name))
		}
	}

	err = query.Submit()
	if err != nil {
		return nil, errors.Join(ErrReadSpecTdb, err)
	}

	for name, flat := range buffers {
		grid := make([][]float64, nrows)
		for row := 0; row < nrows; row++ {
			grid[row] = flat[row*ncols : (row+1)*ncols]
		}
		spec.Channels[name] = grid
	}

	if spec.StationID == "" {
		spec.StationID = filepath.Base(strings.TrimSuffix(uri, ".tiledb"))
	}

	return spec, nil
}

// cellFieldName maps a channel name onto its SpectrogramCells field.
func cellFieldName(channel string) string {
	switch channel {
	case "ch2":
		return "Ch2"
	default:
		return "Ch1"
	}
}

func flattenGrid(grid [][]float64, nrows, ncols int) []float64 {
	flat := make([]float64, nrows*ncols)
	for row := 0; row < nrows && row < len(grid); row++ {
		for col := 0; col < ncols && col < len(grid[row]); col++ {
			flat[row*ncols+col] = grid[row][col]
		}
	}

	return flat
}
