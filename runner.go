package quakelink

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// StageOrder is the canonical execution order. Subsets must respect it.
var StageOrder = []string{
	"manifest",
	"ingest",
	"raw",
	"standard",
	"spatial",
	"link",
	"features",
	"model",
	"plots",
}

// StageEnv is the shared, read-only execution environment handed to every
// stage.
type StageEnv struct {
	BaseDir    string
	Config     *Config
	Paths      OutputPaths
	RunID      string
	ParamsHash string
	Strict     bool
	EventID    string
	Log        zerolog.Logger
}

// StageTiming records one executed stage for the runtime report.
type StageTiming struct {
	Stage     string  `json:"stage"`
	StartUTC  string  `json:"start_utc"`
	EndUTC    string  `json:"end_utc"`
	DurationS float64 `json:"duration_s"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
}

// Pipeline wires the core stages to their external collaborators. The
// format parsers and the plot renderer are registered, never imported.
type Pipeline struct {
	recordSources []RecordSource
	traceSource   TraceSource
	specSource    SpectrogramSource
	renderer      Renderer
}

// NewPipeline returns a pipeline with no collaborators; sources register
// afterwards.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// RegisterRecordSource plugs in a parser for one record-producing source.
func (p *Pipeline) RegisterRecordSource(src RecordSource) {
	p.recordSources = append(p.recordSources, src)
}

// RegisterTraceSource plugs in the seismic waveform reader.
func (p *Pipeline) RegisterTraceSource(src TraceSource) {
	p.traceSource = src
}

// RegisterSpectrogramSource plugs in the VLF spectrogram reader.
func (p *Pipeline) RegisterSpectrogramSource(src SpectrogramSource) {
	p.specSource = src
}

// RegisterRenderer plugs in the plot renderer.
func (p *Pipeline) RegisterRenderer(r Renderer) {
	p.renderer = r
}

type stageFunc func(ctx context.Context, env *StageEnv) error

func (p *Pipeline) stageFuncs() map[string]stageFunc {
	return map[string]stageFunc{
		"manifest": p.runManifest,
		"ingest":   p.runIngest,
		"raw":      p.runRaw,
		"standard": p.runStandard,
		"spatial":  p.runSpatial,
		"link":     p.runLink,
		"features": p.runFeatures,
		"model":    p.runModel,
		"plots":    p.runPlots,
	}
}

// ValidateStages rejects unknown names and out-of-order subsets before any
// stage touches the filesystem.
func ValidateStages(stages []string) error {
	if len(stages) == 0 {
		return ErrNoStages
	}

	order := make(map[string]int, len(StageOrder))
	for idx, name := range StageOrder {
		order[name] = idx
	}

	last := -1
	for _, stage := range stages {
		idx, known := order[stage]
		if !known {
			return errors.Join(ErrUnknownStage, errors.New(stage))
		}
		if idx < last {
			return errors.Join(ErrStageOrder, errors.New(stage))
		}
		last = idx
	}

	return nil
}

// RunStages validates and executes the requested stage subset in order,
// recording per-stage timings. A failing stage stops the run; the timing
// report still carries what executed.
func (p *Pipeline) RunStages(ctx context.Context, env *StageEnv, stages []string) ([]StageTiming, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}

	funcs := p.stageFuncs()
	var timings []StageTiming

	for _, stage := range stages {
		start := time.Now()
		env.Log.Info().Str("stage", stage).Str("run_id", env.RunID).Msg("stage start")

		err := funcs[stage](ctx, env)

		elapsed := time.Since(start)
		timing := StageTiming{
			Stage:     stage,
			StartUTC:  start.UTC().Format(time.RFC3339),
			EndUTC:    start.Add(elapsed).UTC().Format(time.RFC3339),
			DurationS: elapsed.Seconds(),
			Status:    "ok",
		}
		if err != nil {
			timing.Status = "failed"
			timing.Error = err.Error()
			timings = append(timings, timing)
			env.Log.Error().Str("stage", stage).Err(err).Msg("stage failed")
			return timings, errors.Join(ErrStageFailed, err, errors.New(stage))
		}

		timings = append(timings, timing)
		env.Log.Info().Str("stage", stage).Float64("duration_s", timing.DurationS).Msg("stage done")
	}

	return timings, nil
}

// WriteRuntimeReport persists the run's stage timings.
func WriteRuntimeReport(env *StageEnv, timings []StageTiming, startUTC, endUTC time.Time) error {
	report := map[string]any{
		"run_id":     env.RunID,
		"start_utc":  startUTC.UTC().Format(time.RFC3339),
		"end_utc":    endUTC.UTC().Format(time.RFC3339),
		"duration_s": endUTC.Sub(startUTC).Seconds(),
		"stages":     timings,
	}

	_, err := WriteJson(filepath.Join(env.Paths.Reports, "runtime_report.json"), report)

	return err
}

// runManifest enumerates and hashes the run's input files.
func (p *Pipeline) runManifest(ctx context.Context, env *StageEnv) error {
	output := filepath.Join(env.Paths.Manifests, "run_"+env.RunID+".json")
	_, err := BuildManifest(env.BaseDir, env.Config, output, env.RunID, env.ParamsHash)

	return err
}

// runPlots delegates to the registered renderer; without one it still
// writes the DQ report so the packager can account for the stage.
func (p *Pipeline) runPlots(ctx context.Context, env *StageEnv) error {
	event, err := env.Config.GetEvent(env.EventID)
	if err != nil {
		return err
	}

	payload := map[string]any{"event_id": event.EventID, "plots": 0, "renderer": "none"}
	if p.renderer != nil {
		rendered, err := p.renderer.RenderPlots(ctx, env, event)
		if err != nil {
			return errors.Join(ErrStageFailed, err, errors.New("plots"))
		}
		payload = map[string]any{"event_id": event.EventID}
		for key, value := range rendered {
			payload[key] = value
		}
	}

	return WriteDqReport(filepath.Join(env.Paths.PlotsSpecEvent(event.EventID), "dq_plots.json"), payload)
}
