package quakelink

import (
	"context"
	"errors"
	"math"
	"path/filepath"
)

// conditionTrace applies the configured trace conditioning in place:
// detrend, taper, Butterworth band-pass capped below Nyquist, and power-line
// notches. Returns the filter parameters actually applied for the row flags.
func conditionTrace(trace *Trace, cfg SeismicBandpassConfig) (map[string]any, error) {
	detrendValues(trace.Data, "linear")
	CosineTaper(trace.Data, cfg.TaperMaxPercentage)

	nyquist := trace.SampleRate / 2
	freqmax := cfg.FreqmaxUserHz
	ratio := cfg.FreqmaxNyquistRatio
	if ratio <= 0 {
		ratio = 0.45
	}
	if cap_hz := ratio * nyquist; freqmax <= 0 || freqmax > cap_hz {
		freqmax = cap_hz
	}

	if err := Bandpass(trace.Data, trace.SampleRate, cfg.FreqminHz, freqmax, cfg.Corners, cfg.Zerophase); err != nil {
		return nil, err
	}
	if err := NotchHarmonics(trace.Data, trace.SampleRate, cfg.Notch); err != nil {
		return nil, err
	}

	params := map[string]any{
		"freqmin_hz": cfg.FreqminHz,
		"freqmax_hz": freqmax,
		"corners":    cfg.Corners,
		"zerophase":  cfg.Zerophase,
	}
	if cfg.Notch.BaseHz > 0 && cfg.Notch.Harmonics > 0 {
		params["notch_base_hz"] = cfg.Notch.BaseHz
		params["notch_harmonics"] = cfg.Notch.Harmonics
	}

	return params, nil
}

// traceFeatureRows windows a conditioned trace and emits RMS and mean-abs
// rows per full window. Partial trailing windows are dropped; a window
// shorter than one sampling interval never forms.
func traceFeatureRows(trace *Trace, intervalSec int, filterParams map[string]any, version, paramsHash string) []Record {
	if trace.SampleRate <= 0 {
		return nil
	}
	window := int(trace.SampleRate * float64(intervalSec))
	if window <= 0 || len(trace.Data) < window {
		return nil
	}

	flags := QualityFlags{
		IsFiltered:   true,
		FilterType:   "bandpass",
		FilterParams: filterParams,
	}

	var rows []Record
	for offset := 0; offset+window <= len(trace.Data); offset += window {
		segment := trace.Data[offset : offset+window]

		var sum_sq, sum_abs float64
		for _, v := range segment {
			sum_sq += v * v
			sum_abs += math.Abs(v)
		}
		rms := math.Sqrt(sum_sq / float64(window))
		mean_abs := sum_abs / float64(window)

		ts_ms := trace.StartMs + int64(float64(offset)/trace.SampleRate*1000.0)

		base := Record{
			TsMs:        ts_ms,
			Source:      SourceSeismic,
			StationID:   trace.StationID,
			Lat:         trace.Lat,
			Lon:         trace.Lon,
			Elev:        trace.Elev,
			Flags:       flags,
			ProcStage:   StageTagStandard,
			ProcVersion: version,
			ParamsHash:  paramsHash,
		}

		rms_row := base
		rms_row.Channel = trace.Channel + "_rms"
		rms_row.Value = F64(rms)

		abs_row := base
		abs_row.Channel = trace.Channel + "_mean_abs"
		abs_row.Value = F64(mean_abs)

		rows = append(rows, rms_row, abs_row)
	}

	return rows
}

// standardizeSeismic runs the decimation/feature path over the waveform
// collaborator. Seismic does not go through the group-wise cleaner; the
// aggregate windows are the standardized representation.
func (p *Pipeline) standardizeSeismic(ctx context.Context, env *StageEnv) (SourceStats, error) {
	if p.traceSource == nil {
		return SourceStats{}, nil
	}

	cfg := env.Config.Preprocess
	interval := cfg.SeismicIntervalSec
	if interval <= 0 {
		interval = 60
	}
	max_rows := env.Config.Limits.MaxRowsPerSource

	std_root := filepath.Join(env.Paths.Standard, "source="+SourceSeismic)
	if err := resetStageRoot(std_root); err != nil {
		return SourceStats{}, err
	}
	writer := NewPartitionedWriter(std_root, rawPartitionCfg(env.Config.Storage.Parquet)).WithNamespace(env.ParamsHash)
	collector := NewStatsCollector()

	var doneEarly = errors.New("row limit reached")
	err := p.traceSource.Traces(ctx, func(trace *Trace) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		params, err := conditionTrace(trace, cfg.SeismicBandpass)
		if err != nil {
			// one bad trace is recorded, not fatal
			env.Log.Warn().Str("station", trace.StationID).Err(err).Msg("skipping trace")
			return nil
		}

		rows := traceFeatureRows(trace, interval, params, env.Config.Pipeline.Version, env.ParamsHash)
		if len(rows) == 0 {
			return nil
		}

		collector.Observe(rows)
		if err := writer.Append(rows); err != nil {
			return err
		}
		if max_rows > 0 && collector.Stats().Rows >= int64(max_rows) {
			return doneEarly
		}

		return nil
	})
	if err != nil && !errors.Is(err, doneEarly) {
		return SourceStats{}, errors.Join(ErrStandardize, err, errors.New(SourceSeismic))
	}

	if err := writer.Close(); err != nil {
		return SourceStats{}, err
	}

	return collector.Stats(), nil
}
