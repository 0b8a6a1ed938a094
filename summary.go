package quakelink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// eventSummaryTemplate is the packaged report layout. Rendered once per
// event into reports/event_summary.md.
const eventSummaryTemplate = `# Event Summary: {{.EventID}}

{{if .EventName}}**Name:** {{.EventName}}{{end}}
**Origin (UTC):** {{.OriginTimeUTC}}
**Epicenter:** {{.Lat}}, {{.Lon}}
**Pipeline version:** {{.PipelineVersion}}
**Params hash:** {{.ParamsHash}}

## Linked data

` + "```json\n{{.LinkedSummary}}\n```" + `

## Top anomalies

{{.TopAnomaliesTable}}

## Plots

{{if .PlotAligned}}- [Aligned timeseries]({{.PlotAligned}}){{else}}- MISSING: plot_aligned_timeseries.html{{end}}
{{if .PlotStationMap}}- [Station map]({{.PlotStationMap}}){{else}}- MISSING: plot_station_map.html{{end}}
{{if .PlotFilterEffect}}- [Filter effect]({{.PlotFilterEffect}}){{else}}- MISSING: plot_filter_effect.html{{end}}
{{if .PlotVlf}}- [VLF spectrogram]({{.PlotVlf}}){{end}}

## Reproduce

` + "```\n{{.ReproduceCmd}}\n```" + `

## Data quality notes

` + "```json\n{{.Notes}}\n```" + `
`

type summaryContext struct {
	EventID           string
	EventName         string
	OriginTimeUTC     string
	Lat               any
	Lon               any
	PipelineVersion   string
	ParamsHash        string
	LinkedSummary     string
	TopAnomaliesTable string
	PlotAligned       string
	PlotStationMap    string
	PlotFilterEffect  string
	PlotVlf           string
	ReproduceCmd      string
	Notes             string
}

// loadJsonMap reads a JSON object, returning an empty map when absent.
func loadJsonMap(path string) map[string]any {
	out := make(map[string]any)
	if err := ReadJsonInto(path, &out); err != nil {
		return map[string]any{}
	}

	return out
}

// anomaliesTable formats the anomaly table as GitHub-flavoured markdown.
func anomaliesTable(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "No anomaly file"
	}
	rows, err := ReadTable[AnomalyRow](path)
	if err != nil {
		return "No anomaly file"
	}
	if len(rows) == 0 {
		return "No anomalies above threshold"
	}

	var b strings.Builder
	b.WriteString("| rank | source | station_id | feature | score |\n")
	b.WriteString("| --- | --- | --- | --- | --- |\n")
	for i := range rows {
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %.4f |\n",
			rows[i].Rank, rows[i].Source, rows[i].StationID, rows[i].Feature, rows[i].Score)
	}

	return strings.TrimRight(b.String(), "\n")
}

// plotRef returns the summary-relative link to a plot, or empty when the
// plot is absent.
func plotRef(eventDir, name string) string {
	path := filepath.Join(eventDir, "plots", "html", name)
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return "../plots/html/" + name
}

// RenderEventSummary renders the markdown (and optionally html) summary
// into <eventDir>/reports. eventDir may be a scratch tree during finalize
// or the committed package for re-rendering.
func RenderEventSummary(env *StageEnv, eventID, format, eventDir string) (string, error) {
	if eventDir == "" {
		eventDir = env.Paths.EventDir(eventID)
	}
	report_dir := filepath.Join(eventDir, "reports")
	if err := os.MkdirAll(report_dir, 0o755); err != nil {
		return "", errors.Join(ErrSummary, err)
	}

	event_meta := loadJsonMap(filepath.Join(eventDir, "event.json"))
	linked_summary := loadJsonMap(filepath.Join(eventDir, "linked", "summary.json"))

	notes := map[string]any{
		"dq_event_link":     loadJsonMap(filepath.Join(report_dir, "dq_event_link.json")),
		"dq_event_features": loadJsonMap(filepath.Join(report_dir, "dq_event_features.json")),
		"dq_plots":          loadJsonMap(filepath.Join(report_dir, "dq_plots.json")),
		"filter_effect":     loadJsonMap(filepath.Join(report_dir, "filter_effect.json")),
	}

	linked_json, err := JsonIndentDumps(linked_summary)
	if err != nil {
		return "", errors.Join(ErrSummary, err)
	}
	notes_json, err := JsonIndentDumps(notes)
	if err != nil {
		return "", errors.Join(ErrSummary, err)
	}

	str := func(key string) string {
		if v, ok := event_meta[key].(string); ok {
			return v
		}
		return ""
	}

	context := summaryContext{
		EventID:           str("event_id"),
		EventName:         str("name"),
		OriginTimeUTC:     str("origin_time_utc"),
		Lat:               event_meta["lat"],
		Lon:               event_meta["lon"],
		PipelineVersion:   str("pipeline_version"),
		ParamsHash:        str("params_hash"),
		LinkedSummary:     linked_json,
		TopAnomaliesTable: anomaliesTable(filepath.Join(eventDir, "features", "anomaly.parquet")),
		PlotAligned:       plotRef(eventDir, "plot_aligned_timeseries.html"),
		PlotStationMap:    plotRef(eventDir, "plot_station_map.html"),
		PlotFilterEffect:  plotRef(eventDir, "plot_filter_effect.html"),
		PlotVlf:           plotRef(eventDir, "plot_vlf_spectrogram.html"),
		ReproduceCmd:      "quakelink run --stages link,features,model,plots --event-id " + eventID,
		Notes:             notes_json,
	}
	if context.EventID == "" {
		context.EventID = eventID
	}

	tmpl, err := template.New("event_summary").Parse(eventSummaryTemplate)
	if err != nil {
		return "", errors.Join(ErrSummary, err)
	}

	var rendered strings.Builder
	if err := tmpl.Execute(&rendered, context); err != nil {
		return "", errors.Join(ErrSummary, err)
	}

	md_path := filepath.Join(report_dir, "event_summary.md")
	if err := os.WriteFile(md_path, []byte(rendered.String()), 0o644); err != nil {
		return "", errors.Join(ErrSummary, err)
	}

	if format == "html" || format == "both" {
		html_path := filepath.Join(report_dir, "event_summary.html")
		html := "<pre>" + rendered.String() + "</pre>"
		if err := os.WriteFile(html_path, []byte(html), 0o644); err != nil {
			return "", errors.Join(ErrSummary, err)
		}
	}

	return md_path, nil
}
