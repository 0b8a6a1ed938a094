package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	quakelink "github.com/peakseazhu/go-quakelink"
)

// utc_run_id formats the run identifier the way the output tree expects it.
func utc_run_id() string {
	return time.Now().UTC().Format("20060102_150405")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

// buildEnv loads the config and assembles the shared stage environment.
func buildEnv(cCtx *cli.Context, runID string) (*quakelink.StageEnv, error) {
	config_path := cCtx.String("config")
	config, err := quakelink.LoadConfig(config_path)
	if err != nil {
		return nil, err
	}

	params_hash, err := config.ParamsHash()
	if err != nil {
		return nil, err
	}

	base_dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	root := config.Outputs.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(base_dir, root)
	}
	paths := quakelink.NewOutputPaths(root)
	if err := paths.Ensure(); err != nil {
		return nil, err
	}

	return &quakelink.StageEnv{
		BaseDir:    base_dir,
		Config:     config,
		Paths:      paths,
		RunID:      runID,
		ParamsHash: params_hash,
		Strict:     cCtx.Bool("strict"),
		EventID:    cCtx.String("event-id"),
		Log:        newLogger(cCtx.String("log-level")),
	}, nil
}

// writeConfigSnapshot records the exact configuration the run executed
// with, before any stage starts.
func writeConfigSnapshot(env *quakelink.StageEnv, configPath string) error {
	snapshot := map[string]any{
		"run_id":      env.RunID,
		"params_hash": env.ParamsHash,
		"config_path": configPath,
		"config":      env.Config.Raw(),
	}

	payload, err := yaml.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(env.Paths.Reports, 0o755); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(env.Paths.Reports, "config_snapshot.yaml"), payload, 0o644)
}

func run_pipeline(cCtx *cli.Context) error {
	if cCtx.Bool("list-stages") {
		fmt.Println(strings.Join(quakelink.StageOrder, ","))
		return nil
	}

	env, err := buildEnv(cCtx, utc_run_id())
	if err != nil {
		return err
	}

	if err := writeConfigSnapshot(env, cCtx.String("config")); err != nil {
		return err
	}

	var stages []string
	for _, stage := range strings.Split(cCtx.String("stages"), ",") {
		if trimmed := strings.TrimSpace(stage); trimmed != "" {
			stages = append(stages, trimmed)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	pipeline := quakelink.NewPipeline()

	started := time.Now()
	timings, run_err := pipeline.RunStages(ctx, env, stages)
	ended := time.Now()

	if len(timings) > 0 || run_err == nil {
		if err := quakelink.WriteRuntimeReport(env, timings, started, ended); err != nil {
			env.Log.Warn().Err(err).Msg("runtime report write failed")
		}
	}
	if run_err != nil {
		return run_err
	}

	env.Log.Info().
		Str("run_id", env.RunID).
		Float64("duration_s", ended.Sub(started).Seconds()).
		Msg("run complete")

	return nil
}

func run_finalize(cCtx *cli.Context) error {
	env, err := buildEnv(cCtx, utc_run_id())
	if err != nil {
		return err
	}

	event, err := env.Config.GetEvent(cCtx.String("event-id"))
	if err != nil {
		return err
	}

	return quakelink.FinalizeEventPackage(env, event.EventID)
}

func run_bundle(cCtx *cli.Context) error {
	env, err := buildEnv(cCtx, utc_run_id())
	if err != nil {
		return err
	}

	event, err := env.Config.GetEvent(cCtx.String("event-id"))
	if err != nil {
		return err
	}

	bundle, err := quakelink.MakeEventBundle(env, event.EventID)
	if err != nil {
		return err
	}
	env.Log.Info().Str("bundle", bundle).Msg("bundle written")

	return nil
}

func run_summary(cCtx *cli.Context) error {
	env, err := buildEnv(cCtx, utc_run_id())
	if err != nil {
		return err
	}

	event, err := env.Config.GetEvent(cCtx.String("event-id"))
	if err != nil {
		return err
	}

	path, err := quakelink.RenderEventSummary(env, event.EventID, cCtx.String("format"), "")
	if err != nil {
		return err
	}
	env.Log.Info().Str("summary", path).Msg("summary rendered")

	return nil
}

func main() {
	config_flag := &cli.StringFlag{
		Name:  "config",
		Value: "configs/default.yaml",
		Usage: "Pathname of the pipeline YAML config.",
	}
	event_flag := &cli.StringFlag{
		Name:  "event-id",
		Usage: "Event identifier; defaults to the first configured event.",
	}
	strict_flag := &cli.BoolFlag{
		Name:  "strict",
		Usage: "Fail hard when required artifacts are missing.",
	}
	log_flag := &cli.StringFlag{
		Name:  "log-level",
		Value: "info",
		Usage: "Log level: trace, debug, info, warn, error.",
	}

	app := &cli.App{
		Name:  "quakelink",
		Usage: "Multi-source geophysical event pipeline.",
		Commands: []*cli.Command{
			&cli.Command{
				Name: "run",
				Flags: []cli.Flag{
					config_flag,
					&cli.StringFlag{
						Name:  "stages",
						Usage: "Comma-separated stage subset, in canonical order.",
					},
					event_flag,
					strict_flag,
					&cli.BoolFlag{
						Name:  "list-stages",
						Usage: "Print the canonical stage order and exit.",
					},
					log_flag,
				},
				Action: run_pipeline,
			},
			&cli.Command{
				Name:   "finalize",
				Flags:  []cli.Flag{config_flag, event_flag, strict_flag, log_flag},
				Action: run_finalize,
			},
			&cli.Command{
				Name:   "bundle",
				Flags:  []cli.Flag{config_flag, event_flag, log_flag},
				Action: run_bundle,
			},
			&cli.Command{
				Name: "summary",
				Flags: []cli.Flag{
					config_flag,
					event_flag,
					&cli.StringFlag{
						Name:  "format",
						Value: "md",
						Usage: "Summary output format: md, html or both.",
					},
					log_flag,
				},
				Action: run_summary,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
