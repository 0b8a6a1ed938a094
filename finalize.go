package quakelink

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// RequiredEventFiles are the artifacts an event package must contain for a
// completeness ratio of one. Paths are relative to the package root.
var RequiredEventFiles = []string{
	"event.json",
	"linked/summary.json",
	"linked/aligned.parquet",
	"linked/stations.json",
	"features/summary.json",
	"features/features.parquet",
	"features/anomaly.parquet",
	"plots/html/plot_aligned_timeseries.html",
	"plots/html/plot_station_map.html",
	"plots/html/plot_filter_effect.html",
	"reports/dq_event_link.json",
	"reports/dq_event_features.json",
	"reports/dq_plots.json",
	"reports/filter_effect.json",
	"reports/event_summary.md",
}

// OptionalEventFiles are accounted for in the manifest but never fail a
// strict finalize.
var OptionalEventFiles = []string{
	"plots/html/plot_vlf_spectrogram.html",
}

// ArtifactInfo describes one manifest entry.
type ArtifactInfo struct {
	Path     string  `json:"path"`
	Exists   bool    `json:"exists"`
	Bytes    int64   `json:"bytes"`
	MtimeUTC *string `json:"mtime_utc"`
}

// ArtifactsManifest is the required/optional file inventory of an event
// package.
type ArtifactsManifest struct {
	RequiredFiles             []ArtifactInfo `json:"required_files"`
	OptionalFiles             []ArtifactInfo `json:"optional_files"`
	MissingRequired           []string       `json:"missing_required"`
	CompletenessRatioRequired float64        `json:"completeness_ratio_required"`
}

func artifactInfo(eventDir, rel string) ArtifactInfo {
	info := ArtifactInfo{Path: rel}

	stat, err := os.Stat(filepath.Join(eventDir, rel))
	if err != nil {
		return info
	}
	info.Exists = true
	info.Bytes = stat.Size()
	mtime := stat.ModTime().UTC().Format(time.RFC3339)
	info.MtimeUTC = &mtime

	return info
}

// BuildArtifactsManifest inventories an event directory against the
// required and optional file lists.
func BuildArtifactsManifest(eventDir string, required, optional []string) ArtifactsManifest {
	manifest := ArtifactsManifest{}

	for _, rel := range required {
		manifest.RequiredFiles = append(manifest.RequiredFiles, artifactInfo(eventDir, rel))
	}
	for _, rel := range optional {
		manifest.OptionalFiles = append(manifest.OptionalFiles, artifactInfo(eventDir, rel))
	}

	manifest.MissingRequired = []string{}
	for _, info := range manifest.RequiredFiles {
		if !info.Exists {
			manifest.MissingRequired = append(manifest.MissingRequired, info.Path)
		}
	}

	if len(required) > 0 {
		manifest.CompletenessRatioRequired = 1.0 - float64(len(manifest.MissingRequired))/float64(len(required))
	}

	return manifest
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// copyTree mirrors every regular file below src into dst. A missing src is
// skipped, not an error; the manifest accounts for what is absent.
func copyTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		return copyFile(path, filepath.Join(dst, rel))
	})
}

// FinalizeEventPackage gathers the per-event artifacts into a scratch tree,
// renders the summary, builds the manifest and commits the package with a
// single rename. In strict mode a missing required artifact turns the
// scratch into a .failed directory with a FAIL marker instead.
func FinalizeEventPackage(env *StageEnv, eventID string) error {
	scratch := filepath.Join(env.Paths.Events, ".tmp_"+eventID+"_"+env.RunID)
	final_dir := env.Paths.EventDir(eventID)

	if err := os.MkdirAll(filepath.Join(scratch, "reports"), 0o755); err != nil {
		return errors.Join(ErrFinalize, err)
	}

	linked_dir := env.Paths.LinkedEvent(eventID)
	features_dir := env.Paths.FeaturesEvent(eventID)

	if err := copyTree(linked_dir, filepath.Join(scratch, "linked")); err != nil {
		return errors.Join(ErrFinalize, err)
	}
	if err := copyTree(features_dir, filepath.Join(scratch, "features")); err != nil {
		return errors.Join(ErrFinalize, err)
	}
	if err := copyTree(env.Paths.PlotsHTMLEvent(eventID), filepath.Join(scratch, "plots", "html")); err != nil {
		return errors.Join(ErrFinalize, err)
	}
	if err := copyTree(env.Paths.PlotsSpecEvent(eventID), filepath.Join(scratch, "plots", "spec")); err != nil {
		return errors.Join(ErrFinalize, err)
	}

	if _, err := os.Stat(filepath.Join(linked_dir, "event.json")); err == nil {
		if err := copyFile(filepath.Join(linked_dir, "event.json"), filepath.Join(scratch, "event.json")); err != nil {
			return errors.Join(ErrFinalize, err)
		}
	}

	// event-level DQ reports under their packaged names
	for name, src := range map[string]string{
		"dq_event_link.json":     filepath.Join(linked_dir, "dq_linked.json"),
		"dq_event_features.json": filepath.Join(features_dir, "dq_features.json"),
		"dq_plots.json":          filepath.Join(env.Paths.PlotsSpecEvent(eventID), "dq_plots.json"),
		"filter_effect.json":     filepath.Join(env.Paths.Reports, "filter_effect.json"),
	} {
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(scratch, "reports", name)); err != nil {
				return errors.Join(ErrFinalize, err)
			}
		}
	}

	// the summary renders before the manifest so it can be required
	if _, err := RenderEventSummary(env, eventID, "md", scratch); err != nil {
		env.Log.Warn().Str("event_id", eventID).Err(err).Msg("summary render failed")
	}

	manifest := BuildArtifactsManifest(scratch, RequiredEventFiles, OptionalEventFiles)
	if _, err := WriteJson(filepath.Join(scratch, "reports", "artifacts_manifest.json"), manifest); err != nil {
		return errors.Join(ErrFinalize, err)
	}

	if len(manifest.MissingRequired) > 0 && env.Strict {
		fail_payload := map[string]any{
			"missing_required": manifest.MissingRequired,
			"run_id":           env.RunID,
		}
		if _, err := WriteJson(filepath.Join(scratch, "reports", "finalize_fail.json"), fail_payload); err != nil {
			return errors.Join(ErrFinalize, err)
		}
		if err := touchMarker(filepath.Join(scratch, "FAIL")); err != nil {
			return errors.Join(ErrFinalize, err)
		}

		failed_dir := filepath.Join(env.Paths.Events, ".failed_"+env.RunID)
		if err := os.RemoveAll(failed_dir); err != nil {
			return errors.Join(ErrFinalize, err)
		}
		if err := os.Rename(scratch, failed_dir); err != nil {
			return errors.Join(ErrFinalize, err)
		}

		return errors.Join(ErrFinalizeStrict, errors.New(eventID))
	}

	// atomic swap: the final directory is either the old package or the new
	// one, never a mix
	if err := os.RemoveAll(final_dir); err != nil {
		return errors.Join(ErrFinalize, err)
	}
	if err := os.Rename(scratch, final_dir); err != nil {
		return errors.Join(ErrFinalize, err)
	}

	return touchMarker(filepath.Join(final_dir, "DONE"))
}

func touchMarker(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	return f.Close()
}
