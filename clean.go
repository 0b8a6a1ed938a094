package quakelink

import (
	"math"
	"sort"
)

// The group cleaner operates on a float slice with NaN marking missing
// values, mirroring the record set it was extracted from. Every step mutates
// the slice and annotates the matching record's quality flags.

// extractValues pulls the value column into a NaN-marked slice.
func extractValues(rows []Record) []float64 {
	values := make([]float64, len(rows))
	for i := range rows {
		if rows[i].Value == nil {
			values[i] = math.NaN()
		} else {
			values[i] = *rows[i].Value
		}
	}

	return values
}

// restoreValues writes the cleaned slice back onto the records.
func restoreValues(rows []Record, values []float64) {
	for i := range rows {
		if math.IsNaN(values[i]) {
			rows[i].Value = nil
		} else {
			rows[i].Value = F64(values[i])
		}
	}
}

// sortByTs orders a group chronologically; ties keep their arrival order so
// re-runs stay byte-stable.
func sortByTs(rows []Record) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].TsMs < rows[j].TsMs })
}

// detrendValues removes a linear or constant trend fitted over the
// non-missing samples.
func detrendValues(values []float64, mode string) {
	var (
		n     float64
		sum_x float64
		sum_y float64
	)

	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		n++
		sum_x += float64(i)
		sum_y += v
	}
	if n == 0 {
		return
	}

	if mode == "constant" {
		mean := sum_y / n
		for i := range values {
			if !math.IsNaN(values[i]) {
				values[i] -= mean
			}
		}
		return
	}

	// least squares slope over sample index
	mean_x := sum_x / n
	mean_y := sum_y / n
	var sxx, sxy float64
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		dx := float64(i) - mean_x
		sxx += dx * dx
		sxy += dx * (v - mean_y)
	}
	slope := 0.0
	if sxx > 0 {
		slope = sxy / sxx
	}
	for i := range values {
		if !math.IsNaN(values[i]) {
			values[i] -= mean_y + slope*(float64(i)-mean_x)
		}
	}
}

// rollingMedian computes a centered rolling median, skipping NaN samples.
// Positions whose window holds no finite sample stay NaN.
func rollingMedian(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	half := window / 2
	out := make([]float64, len(values))
	buf := make([]float64, 0, window)

	for i := range values {
		lo_idx := i - half
		hi_idx := i + half
		if lo_idx < 0 {
			lo_idx = 0
		}
		if hi_idx >= len(values) {
			hi_idx = len(values) - 1
		}

		buf = buf[:0]
		for j := lo_idx; j <= hi_idx; j++ {
			if !math.IsNaN(values[j]) {
				buf = append(buf, values[j])
			}
		}
		out[i] = median(buf)
	}

	return out
}

// highpassRollingMedian subtracts the rolling median baseline, leaving the
// short-period signal.
func highpassRollingMedian(values []float64, window int) {
	baseline := rollingMedian(values, window)
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsNaN(baseline[i]) {
			values[i] -= baseline[i]
		}
	}
}

// hampelDespike marks samples deviating from the rolling median by more than
// threshold scaled MADs. Flagged samples become missing; the caller records
// the method on the row flags via the returned mask.
func hampelDespike(values []float64, window int, threshold float64) []bool {
	if window < 3 {
		window = 3
	}
	half := window / 2
	mask := make([]bool, len(values))
	buf := make([]float64, 0, window)

	for i := range values {
		if math.IsNaN(values[i]) {
			continue
		}

		lo_idx := i - half
		hi_idx := i + half
		if lo_idx < 0 {
			lo_idx = 0
		}
		if hi_idx >= len(values) {
			hi_idx = len(values) - 1
		}

		buf = buf[:0]
		for j := lo_idx; j <= hi_idx; j++ {
			if !math.IsNaN(values[j]) {
				buf = append(buf, values[j])
			}
		}
		if len(buf) < 3 {
			continue
		}

		med := median(buf)
		scale := 1.4826 * mad(buf, med)
		if scale == 0 || math.IsNaN(scale) {
			continue
		}
		if math.Abs(values[i]-med) > threshold*scale {
			mask[i] = true
		}
	}

	for i, hit := range mask {
		if hit {
			values[i] = math.NaN()
		}
	}

	return mask
}

// robustOutliers computes MAD-based robust z-scores against the group-local
// median. A zero MAD falls back to the reference (mean, std) from the first
// pass so a flat-but-spiky series still gets a usable scale.
func robustOutliers(values []float64, threshold, refMean, refStd float64) []bool {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}

	mask := make([]bool, len(values))
	if len(finite) == 0 {
		return mask
	}

	med := median(finite)
	scale := mad(finite, med)

	center := med
	if scale > 0 {
		scale = scale / 0.6745
	} else {
		center = refMean
		scale = refStd
	}
	if scale == 0 || math.IsNaN(scale) {
		return mask
	}

	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		z := (v - center) / scale
		if math.Abs(z) > threshold {
			mask[i] = true
			values[i] = math.NaN()
		}
	}

	return mask
}

// interpolateGaps linearly fills NaN runs of at most maxGapPoints samples
// bounded by finite neighbours. Returns the mask of filled positions.
func interpolateGaps(values []float64, maxGapPoints int) []bool {
	filled := make([]bool, len(values))
	if maxGapPoints <= 0 {
		return filled
	}

	i := 0
	for i < len(values) {
		if !math.IsNaN(values[i]) {
			i++
			continue
		}

		start := i
		for i < len(values) && math.IsNaN(values[i]) {
			i++
		}
		end := i // first finite index after the run, or len

		run := end - start
		if run > maxGapPoints || start == 0 || end == len(values) {
			continue
		}

		left := values[start-1]
		right := values[end]
		span := float64(run + 1)
		for j := start; j < end; j++ {
			frac := float64(j-start+1) / span
			values[j] = left + (right-left)*frac
			filled[j] = true
		}
	}

	return filled
}

// rollingMeanCentered smooths with a centered rolling mean over finite
// samples; a window without finite samples leaves NaN in place.
func rollingMeanCentered(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	half := window / 2
	out := make([]float64, len(values))

	for i := range values {
		lo_idx := i - half
		hi_idx := i + half
		if lo_idx < 0 {
			lo_idx = 0
		}
		if hi_idx >= len(values) {
			hi_idx = len(values) - 1
		}

		var sum float64
		var count int
		for j := lo_idx; j <= hi_idx; j++ {
			if !math.IsNaN(values[j]) {
				sum += values[j]
				count++
			}
		}
		if count == 0 {
			out[i] = math.NaN()
		} else {
			out[i] = sum / float64(count)
		}
	}

	return out
}

// CleanGroup runs the full per-group cleaning chain over a chronologically
// contiguous slice of one (station_id, channel) group. refMean/refStd are
// the fixed first-pass reference statistics. The records are mutated in
// place: values, missingness and quality flags all update together.
// beforeFilter/afterFilter, when non-nil, accumulate the values on either
// side of the low-pass step for the filter-effect report.
func CleanGroup(rows []Record, source string, cfg PreprocessConfig, refMean, refStd float64, beforeFilter, afterFilter *SuffStats) {
	if len(rows) == 0 {
		return
	}

	sortByTs(rows)
	values := extractValues(rows)

	timeseries_source := source == SourceGeomag || source == SourceAef

	if timeseries_source && cfg.Detrend.Enabled {
		detrendValues(values, cfg.Detrend.Mode)
		markPreprocess(rows, "detrend_"+cfg.Detrend.Mode)
	}
	if timeseries_source && cfg.Highpass.Enabled {
		highpassRollingMedian(values, cfg.Highpass.Window)
		markPreprocess(rows, "highpass_rolling_median")
	}
	if timeseries_source && cfg.Wavelet.Enabled {
		if denoised, ok := WaveletDenoise(values, cfg.Wavelet); ok {
			copy(values, denoised)
			markPreprocess(rows, "wavelet_db4_"+cfg.Wavelet.Mode)
		}
	}
	if timeseries_source && cfg.Hampel.Enabled {
		mask := hampelDespike(values, cfg.Hampel.Window, cfg.Hampel.Threshold)
		for i, hit := range mask {
			if hit {
				rows[i].Flags.IsOutlier = true
				rows[i].Flags.OutlierMethod = "hampel"
				rows[i].Flags.Threshold = cfg.Hampel.Threshold
			}
		}
	}

	outliers := robustOutliers(values, cfg.Outlier.Threshold, refMean, refStd)
	for i, hit := range outliers {
		if hit {
			rows[i].Flags.IsOutlier = true
			rows[i].Flags.OutlierMethod = "robust_zscore"
			rows[i].Flags.Threshold = cfg.Outlier.Threshold
		}
	}

	// missingness snapshot before interpolation; a filled position must have
	// been missing at this point for the interpolated flag to be truthful
	wasMissing := make([]bool, len(values))
	for i := range values {
		wasMissing[i] = math.IsNaN(values[i])
	}

	filled := interpolateGaps(values, cfg.Interpolate.MaxGapPoints)
	method := cfg.Interpolate.Method
	if method == "" {
		method = "linear"
	}
	for i := range rows {
		switch {
		case filled[i] && wasMissing[i]:
			rows[i].Flags.IsMissing = false
			rows[i].Flags.MissingReason = ""
			rows[i].Flags.IsInterpolated = true
			rows[i].Flags.InterpMethod = method
		case math.IsNaN(values[i]):
			rows[i].Flags.IsMissing = true
			if rows[i].Flags.MissingReason == "" {
				rows[i].Flags.MissingReason = "gap"
			}
		}
	}

	if beforeFilter != nil {
		foldFinite(beforeFilter, values)
	}
	if cfg.Filter.Enabled {
		smoothed := rollingMeanCentered(values, cfg.Filter.Window)
		copy(values, smoothed)
		for i := range rows {
			rows[i].Flags.IsFiltered = true
			rows[i].Flags.FilterType = "rolling_mean"
			rows[i].Flags.FilterParams = map[string]any{"window": cfg.Filter.Window}
		}
	}
	if afterFilter != nil {
		foldFinite(afterFilter, values)
	}

	restoreValues(rows, values)
}

func foldFinite(acc *SuffStats, values []float64) {
	for _, v := range values {
		if !math.IsNaN(v) {
			acc.Add(v)
		}
	}
}

func markPreprocess(rows []Record, step string) {
	for i := range rows {
		rows[i].Flags.Preprocess = append(rows[i].Flags.Preprocess, step)
	}
}

// CleanOverlap computes how many trailing rows a batch must retain so that
// the window operations in the chain never see a batch boundary.
func CleanOverlap(cfg PreprocessConfig) int {
	overlap := cfg.Interpolate.MaxGapPoints
	if cfg.Filter.Enabled && cfg.Filter.Window > overlap {
		overlap = cfg.Filter.Window
	}
	if cfg.Highpass.Enabled && cfg.Highpass.Window > overlap {
		overlap = cfg.Highpass.Window
	}
	if cfg.Hampel.Enabled && cfg.Hampel.Window > overlap {
		overlap = cfg.Hampel.Window
	}
	if overlap < 0 {
		overlap = 0
	}

	return overlap
}
