package quakelink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PipelineConfig names the version stamped onto every produced row.
type PipelineConfig struct {
	Version string `koanf:"version"`
}

// OutputsConfig locates the output tree.
type OutputsConfig struct {
	Root string `koanf:"root"`
}

// SourcePaths describes where a source's input files live. The pattern
// variants follow the IAGA-2002 convention of separate second and minute
// resolution products.
type SourcePaths struct {
	Root        string   `koanf:"root"`
	Patterns    []string `koanf:"patterns"`
	SecPatterns []string `koanf:"sec_patterns"`
	MinPatterns []string `koanf:"min_patterns"`
	ReadMode    string   `koanf:"read_mode"`

	// Seismic only.
	MseedPatterns []string `koanf:"mseed_patterns"`
	SacPatterns   []string `koanf:"sac_patterns"`
	StationXml    string   `koanf:"stationxml"`
}

// ResolvePatterns flattens the configured glob patterns for a source,
// honouring read_mode for the IAGA second/minute variants.
func (sp *SourcePaths) ResolvePatterns() []string {
	patterns := append([]string{}, sp.Patterns...)

	switch sp.ReadMode {
	case "sec":
		patterns = append(patterns, sp.SecPatterns...)
	case "min":
		patterns = append(patterns, sp.MinPatterns...)
	case "both":
		patterns = append(patterns, sp.SecPatterns...)
		patterns = append(patterns, sp.MinPatterns...)
	}

	patterns = append(patterns, sp.MseedPatterns...)
	patterns = append(patterns, sp.SacPatterns...)

	return patterns
}

// EventWindowConfig bounds the event window around the origin time.
type EventWindowConfig struct {
	PreHours  float64 `koanf:"pre_hours"`
	PostHours float64 `koanf:"post_hours"`
}

// TimeConfig holds the event window and cross-source alignment interval.
type TimeConfig struct {
	EventWindow   EventWindowConfig `koanf:"event_window"`
	AlignInterval string            `koanf:"align_interval"`
}

// LinkConfig controls the spatial filter applied while linking.
type LinkConfig struct {
	SpatialKm              float64 `koanf:"spatial_km"`
	RequireStationLocation bool    `koanf:"require_station_location"`
}

// OutlierConfig sets the robust z-score threshold.
type OutlierConfig struct {
	Threshold float64 `koanf:"threshold"`
}

// InterpolateConfig bounds gap filling.
type InterpolateConfig struct {
	Method       string `koanf:"method"`
	MaxGapPoints int    `koanf:"max_gap_points"`
}

// FilterConfig is the optional low-pass smoothing step.
type FilterConfig struct {
	Enabled bool `koanf:"enabled"`
	Window  int  `koanf:"window"`
}

// DetrendConfig selects the detrend mode applied before denoising.
type DetrendConfig struct {
	Enabled bool   `koanf:"enabled"`
	Mode    string `koanf:"mode"` // linear or constant
}

// HighpassConfig is the rolling-median high-pass step.
type HighpassConfig struct {
	Enabled bool `koanf:"enabled"`
	Window  int  `koanf:"window"`
}

// WaveletConfig tunes the Daubechies denoiser.
type WaveletConfig struct {
	Enabled   bool    `koanf:"enabled"`
	Threshold float64 `koanf:"threshold"` // scales the universal threshold
	Mode      string  `koanf:"mode"`      // soft or hard
}

// HampelConfig is the rolling median/MAD despike filter (AEF only by
// default).
type HampelConfig struct {
	Enabled   bool    `koanf:"enabled"`
	Window    int     `koanf:"window"`
	Threshold float64 `koanf:"threshold"`
}

// ExpandConfig controls minute to second expansion of a cleaned source.
type ExpandConfig struct {
	Seconds   int    `koanf:"seconds"`
	Mode      string `koanf:"mode"` // forward or centered
	ChunkRows int    `koanf:"chunk_rows"`
}

// SourcePreprocess is the per-source override block; zero-valued fields fall
// back to the shared preprocess settings.
type SourcePreprocess struct {
	Outlier     *OutlierConfig     `koanf:"outlier"`
	Interpolate *InterpolateConfig `koanf:"interpolate"`
	Filter      *FilterConfig      `koanf:"filter"`
	Detrend     *DetrendConfig     `koanf:"detrend"`
	Highpass    *HighpassConfig    `koanf:"highpass"`
	Wavelet     *WaveletConfig     `koanf:"wavelet"`
	Hampel      *HampelConfig      `koanf:"hampel"`
}

// NotchConfig places zero notches on power-line harmonics.
type NotchConfig struct {
	BaseHz      float64 `koanf:"base_hz"`
	HalfWidthHz float64 `koanf:"half_width_hz"`
	Harmonics   int     `koanf:"harmonics"`
}

// SeismicBandpassConfig is the trace conditioning applied before windowed
// feature extraction.
type SeismicBandpassConfig struct {
	FreqminHz           float64     `koanf:"freqmin_hz"`
	FreqmaxUserHz       float64     `koanf:"freqmax_user_hz"`
	FreqmaxNyquistRatio float64     `koanf:"freqmax_nyquist_ratio"`
	Corners             int         `koanf:"corners"`
	Zerophase           bool        `koanf:"zerophase"`
	TaperMaxPercentage  float64     `koanf:"taper_max_percentage"`
	Notch               NotchConfig `koanf:"notch"`
}

// VlfStandardizeConfig aggregates spectrogram cells onto band channels.
type VlfStandardizeConfig struct {
	BandsHz        [][]float64 `koanf:"bands_hz"`
	FreqAgg        string      `koanf:"freq_agg"` // median or mean
	TimeAgg        string      `koanf:"time_agg"`
	TargetInterval string      `koanf:"target_interval"`
}

// VlfLineMaskConfig zeroes bins near power-line harmonics.
type VlfLineMaskConfig struct {
	BaseHz      float64 `koanf:"base_hz"`
	Harmonics   int     `koanf:"harmonics"`
	HalfWidthHz float64 `koanf:"half_width_hz"`
}

// VlfBackgroundConfig selects the baseline subtraction method.
type VlfBackgroundConfig struct {
	Method string `koanf:"method"` // median, mean or none
}

// VlfPreprocessConfig is the VLF standardization path.
type VlfPreprocessConfig struct {
	Standardize        VlfStandardizeConfig `koanf:"standardize"`
	TimeMedianWindow   int                  `koanf:"time_median_window"`
	FreqLineMask       VlfLineMaskConfig    `koanf:"freq_line_mask"`
	BackgroundSubtract VlfBackgroundConfig  `koanf:"background_subtract"`
}

// PreprocessConfig gathers every cleaning control.
type PreprocessConfig struct {
	Outlier     OutlierConfig     `koanf:"outlier"`
	Interpolate InterpolateConfig `koanf:"interpolate"`
	Filter      FilterConfig      `koanf:"filter"`
	Detrend     DetrendConfig     `koanf:"detrend"`
	Highpass    HighpassConfig    `koanf:"highpass"`
	Wavelet     WaveletConfig     `koanf:"wavelet"`
	Hampel      HampelConfig      `koanf:"hampel"`
	BatchRows   int               `koanf:"batch_rows"`

	Geomag *SourcePreprocess `koanf:"geomag"`
	Aef    *SourcePreprocess `koanf:"aef"`

	ExpandMinuteToSeconds map[string]ExpandConfig `koanf:"expand_minute_to_seconds"`
	SeismicIntervalSec    int                     `koanf:"seismic_interval_sec"`
	SeismicBandpass       SeismicBandpassConfig   `koanf:"seismic_bandpass"`
	VlfPreprocess         VlfPreprocessConfig     `koanf:"vlf_preprocess"`
}

// ForSource resolves the effective preprocess settings for a source by
// overlaying its override block on the shared defaults.
func (pc *PreprocessConfig) ForSource(source string) PreprocessConfig {
	resolved := *pc

	var override *SourcePreprocess
	switch source {
	case SourceGeomag:
		override = pc.Geomag
	case SourceAef:
		override = pc.Aef
	}
	if override == nil {
		return resolved
	}

	if override.Outlier != nil {
		resolved.Outlier = *override.Outlier
	}
	if override.Interpolate != nil {
		resolved.Interpolate = *override.Interpolate
	}
	if override.Filter != nil {
		resolved.Filter = *override.Filter
	}
	if override.Detrend != nil {
		resolved.Detrend = *override.Detrend
	}
	if override.Highpass != nil {
		resolved.Highpass = *override.Highpass
	}
	if override.Wavelet != nil {
		resolved.Wavelet = *override.Wavelet
	}
	if override.Hampel != nil {
		resolved.Hampel = *override.Hampel
	}

	return resolved
}

// AssociationConfig controls change detection and lagged correlation.
type AssociationConfig struct {
	ChangeThreshold float64 `koanf:"change_threshold"`
	CorrThreshold   float64 `koanf:"corr_threshold"`
	MaxLagMinutes   int     `koanf:"max_lag_minutes"`
	LagStepMinutes  int     `koanf:"lag_step_minutes"`
	MinSources      int     `koanf:"min_sources"`
	MinOverlap      int     `koanf:"min_overlap"`
	MinPoints       int     `koanf:"min_points"`
	TopnPairs       int     `koanf:"topn_pairs"`
}

// FeaturesConfig controls anomaly scoring and association.
type FeaturesConfig struct {
	AnomalyThreshold float64           `koanf:"anomaly_threshold"`
	TopnAnomalies    int               `koanf:"topn_anomalies"`
	Association      AssociationConfig `koanf:"association"`
}

// LimitsConfig caps input volume for bounded test runs.
type LimitsConfig struct {
	MaxFilesPerSource int `koanf:"max_files_per_source"`
	MaxRowsPerSource  int `koanf:"max_rows_per_source"`
}

// ParquetConfig tunes the columnar store.
type ParquetConfig struct {
	Compression   string   `koanf:"compression"`
	BatchRows     int      `koanf:"batch_rows"`
	PartitionCols []string `koanf:"partition_cols"`
}

// StorageConfig groups store settings.
type StorageConfig struct {
	Parquet ParquetConfig `koanf:"parquet"`
}

// Config is the full, deep-merged pipeline configuration. It is immutable
// once loaded; stages receive it by value through StageEnv.
type Config struct {
	Pipeline   PipelineConfig         `koanf:"pipeline"`
	Outputs    OutputsConfig          `koanf:"outputs"`
	Paths      map[string]SourcePaths `koanf:"paths"`
	Time       TimeConfig             `koanf:"time"`
	Link       LinkConfig             `koanf:"link"`
	Preprocess PreprocessConfig       `koanf:"preprocess"`
	Features   FeaturesConfig         `koanf:"features"`
	Limits     LimitsConfig           `koanf:"limits"`
	Storage    StorageConfig          `koanf:"storage"`
	Events     []Event                `koanf:"events"`

	// raw is the merged configuration tree used for the params hash.
	raw map[string]any
}

// DefaultConfig returns the built-in defaults the YAML file is merged over.
func DefaultConfig() Config {
	return Config{
		Pipeline: PipelineConfig{Version: "0.1.0"},
		Outputs:  OutputsConfig{Root: "outputs"},
		Time: TimeConfig{
			EventWindow:   EventWindowConfig{PreHours: 72, PostHours: 24},
			AlignInterval: "1min",
		},
		Link: LinkConfig{SpatialKm: 200},
		Preprocess: PreprocessConfig{
			Outlier:     OutlierConfig{Threshold: 4.0},
			Interpolate: InterpolateConfig{Method: "linear", MaxGapPoints: 10},
			Filter:      FilterConfig{Enabled: false, Window: 5},
			Detrend:     DetrendConfig{Enabled: false, Mode: "linear"},
			Highpass:    HighpassConfig{Enabled: false, Window: 61},
			Wavelet:     WaveletConfig{Enabled: false, Threshold: 1.0, Mode: "soft"},
			Hampel:      HampelConfig{Enabled: false, Window: 11, Threshold: 3.0},
			BatchRows:   200_000,
			SeismicIntervalSec: 60,
			SeismicBandpass: SeismicBandpassConfig{
				FreqminHz:           0.1,
				FreqmaxUserHz:       20,
				FreqmaxNyquistRatio: 0.45,
				Corners:             4,
				Zerophase:           true,
				TaperMaxPercentage:  0.05,
				Notch:               NotchConfig{BaseHz: 50, HalfWidthHz: 1, Harmonics: 2},
			},
			VlfPreprocess: VlfPreprocessConfig{
				Standardize: VlfStandardizeConfig{
					BandsHz:        [][]float64{{10, 1000}, {1000, 3000}, {3000, 10000}},
					FreqAgg:        "median",
					TimeAgg:        "mean",
					TargetInterval: "1min",
				},
				TimeMedianWindow:   0,
				FreqLineMask:       VlfLineMaskConfig{BaseHz: 50, Harmonics: 3, HalfWidthHz: 2},
				BackgroundSubtract: VlfBackgroundConfig{Method: "none"},
			},
		},
		Features: FeaturesConfig{
			AnomalyThreshold: 3.0,
			TopnAnomalies:    50,
			Association: AssociationConfig{
				ChangeThreshold: 3.0,
				CorrThreshold:   0.6,
				MaxLagMinutes:   30,
				LagStepMinutes:  1,
				MinSources:      2,
				MinOverlap:      30,
				MinPoints:       20,
				TopnPairs:       50,
			},
		},
		Storage: StorageConfig{
			Parquet: ParquetConfig{
				Compression:   "zstd",
				BatchRows:     200_000,
				PartitionCols: []string{"source", "station_id", "date"},
			},
		},
	}
}

// LoadConfig deep-merges the YAML file at path over the built-in defaults.
// The merged raw tree is retained on the Config for hashing.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err != nil {
		return nil, errors.Join(ErrLoadConfig, err)
	}

	if path != "" {
		err = k.Load(file.Provider(path), kyaml.Parser())
		if err != nil {
			return nil, errors.Join(ErrLoadConfig, err)
		}
	}

	var config Config
	err = k.Unmarshal("", &config)
	if err != nil {
		return nil, errors.Join(ErrLoadConfig, err)
	}
	config.raw = k.Raw()

	return &config, nil
}

// Raw exposes the merged configuration tree (for snapshots and hashing).
func (c *Config) Raw() map[string]any {
	return c.raw
}

// ParamsHash computes the stable configuration fingerprint: SHA-256 over the
// lexicographic JSON serialisation of the merged tree, truncated to 12 hex
// characters. Go JSON serialises map keys in sorted order, which is the
// stability guarantee the fingerprint rests on.
func (c *Config) ParamsHash() (string, error) {
	tree := c.raw
	if tree == nil {
		// config built in code rather than loaded; hash the typed struct
		k := koanf.New(".")
		if err := k.Load(structs.Provider(*c, "koanf"), nil); err != nil {
			return "", errors.Join(ErrLoadConfig, err)
		}
		tree = k.Raw()
	}

	payload, err := json.Marshal(tree)
	if err != nil {
		return "", errors.Join(ErrLoadConfig, err)
	}

	digest := sha256.Sum256(payload)

	return hex.EncodeToString(digest[:])[:12], nil
}

// GetEvent resolves an event by id, or the first configured event when id is
// empty.
func (c *Config) GetEvent(eventID string) (*Event, error) {
	if eventID == "" {
		if len(c.Events) == 0 {
			return nil, ErrNoEvents
		}
		return &c.Events[0], nil
	}

	for i := range c.Events {
		if c.Events[i].EventID == eventID {
			return &c.Events[i], nil
		}
	}

	return nil, errors.Join(ErrEventNotFound, errors.New(eventID))
}

// ParseInterval parses interval strings such as "30s", "1min", "5min" or
// "1h" into a duration. "min" is accepted as a unit alias because that is
// what pandas-era configs carried.
func ParseInterval(interval string) (time.Duration, error) {
	s := strings.TrimSpace(interval)
	s = strings.ReplaceAll(s, "min", "m")

	return time.ParseDuration(s)
}

// AlignIntervalMs resolves the configured alignment interval in
// milliseconds, defaulting to one minute.
func (c *Config) AlignIntervalMs() int64 {
	d, err := ParseInterval(c.Time.AlignInterval)
	if err != nil || d <= 0 {
		return 60_000
	}

	return d.Milliseconds()
}
