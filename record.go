package quakelink

import (
	"time"

	json "github.com/goccy/go-json"
)

// Source tags for every observation stream the pipeline understands.
const (
	SourceGeomag  = "geomag"
	SourceAef     = "aef"
	SourceSeismic = "seismic"
	SourceVlf     = "vlf"
)

// Processing stage tags carried on every row.
const (
	StageTagRaw      = "raw"
	StageTagStandard = "standard"
)

// Sources lists every source tag in canonical order. The order matters for
// deterministic iteration when building reports.
var Sources = []string{SourceGeomag, SourceAef, SourceSeismic, SourceVlf}

// QualityFlags is the closed set of per-row quality annotations. The zero
// value means an unremarkable row. It serialises to a stable JSON object so
// the column survives a round trip through the columnar store.
type QualityFlags struct {
	IsMissing      bool           `json:"is_missing,omitempty"`
	MissingReason  string         `json:"missing_reason,omitempty"`
	IsInterpolated bool           `json:"is_interpolated,omitempty"`
	InterpMethod   string         `json:"interp_method,omitempty"`
	IsOutlier      bool           `json:"is_outlier,omitempty"`
	OutlierMethod  string         `json:"outlier_method,omitempty"`
	Threshold      float64        `json:"threshold,omitempty"`
	IsFiltered     bool           `json:"is_filtered,omitempty"`
	FilterType     string         `json:"filter_type,omitempty"`
	FilterParams   map[string]any `json:"filter_params,omitempty"`
	StationMatch   string         `json:"station_match,omitempty"`
	Preprocess     []string       `json:"preprocess,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// ParseQualityFlags decodes the JSON flag column. Unparseable or empty input
// yields the zero flags rather than an error; a damaged flag cell should not
// sink a whole batch.
func ParseQualityFlags(raw string) QualityFlags {
	var flags QualityFlags

	if raw == "" || raw == "{}" {
		return flags
	}
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return QualityFlags{}
	}

	return flags
}

// Dumps serialises the flags to their canonical JSON string form.
func (qf QualityFlags) Dumps() string {
	jsn, err := json.Marshal(qf)
	if err != nil {
		return "{}"
	}

	return string(jsn)
}

// Record is the canonical row for every source once it has passed through
// ingest. Value and the coordinates are pointers so that a missing
// observation is represented as absent rather than a sentinel number.
type Record struct {
	TsMs        int64
	Source      string
	StationID   string
	Channel     string
	Value       *float64
	Lat         *float64
	Lon         *float64
	Elev        *float64
	Flags       QualityFlags
	ProcStage   string
	ProcVersion string
	ParamsHash  string

	// Set by the linking engine only.
	EventID    string
	DistanceKm *float64
}

// Time converts the row timestamp to UTC.
func (r *Record) Time() time.Time {
	return time.UnixMilli(r.TsMs).UTC()
}

// DateKey derives the hive date partition value (YYYY-MM-DD, UTC) for the row.
func (r *Record) DateKey() string {
	return r.Time().Format("2006-01-02")
}

// GroupKey identifies the cleaning group a row belongs to.
type GroupKey struct {
	StationID string
	Channel   string
}

// Key returns the row's cleaning group.
func (r *Record) Key() GroupKey {
	return GroupKey{StationID: r.StationID, Channel: r.Channel}
}

// F64 is shorthand for taking the address of a float value.
func F64(v float64) *float64 {
	return &v
}

// Event describes a seismic event of interest, typically sourced from the
// pipeline configuration.
type Event struct {
	EventID       string   `koanf:"event_id" json:"event_id"`
	OriginTimeUTC string   `koanf:"origin_time_utc" json:"origin_time_utc"`
	Lat           float64  `koanf:"lat" json:"lat"`
	Lon           float64  `koanf:"lon" json:"lon"`
	DepthKm       *float64 `koanf:"depth_km" json:"depth_km,omitempty"`
	Magnitude     *float64 `koanf:"magnitude" json:"magnitude,omitempty"`
	Name          string   `koanf:"name" json:"name,omitempty"`
}

// OriginMs parses the origin time into Unix milliseconds.
func (e *Event) OriginMs() (int64, error) {
	ts, err := time.Parse(time.RFC3339, e.OriginTimeUTC)
	if err != nil {
		return 0, err
	}

	return ts.UTC().UnixMilli(), nil
}

// Window computes the event window [origin - pre, origin + post] in Unix
// milliseconds.
func (e *Event) Window(preHours, postHours float64) (int64, int64, error) {
	origin, err := e.OriginMs()
	if err != nil {
		return 0, 0, err
	}

	t0 := origin - int64(preHours*float64(time.Hour/time.Millisecond))
	t1 := origin + int64(postHours*float64(time.Hour/time.Millisecond))

	return t0, t1, nil
}
