package quakelink

import (
	"os"
	"path/filepath"
)

// OutputPaths is the single owner of the output directory tree. Stages
// receive it by value and never invent paths of their own.
type OutputPaths struct {
	Root      string
	Manifests string
	Ingest    string
	Raw       string
	RawIndex  string
	Standard  string
	Linked    string
	Features  string
	Models    string
	Plots     string
	Reports   string
	Events    string
}

// NewOutputPaths lays out the directory tree under root.
func NewOutputPaths(root string) OutputPaths {
	raw := filepath.Join(root, "raw")

	return OutputPaths{
		Root:      root,
		Manifests: filepath.Join(root, "manifests"),
		Ingest:    filepath.Join(root, "ingest"),
		Raw:       raw,
		RawIndex:  filepath.Join(raw, "index"),
		Standard:  filepath.Join(root, "standard"),
		Linked:    filepath.Join(root, "linked"),
		Features:  filepath.Join(root, "features"),
		Models:    filepath.Join(root, "models"),
		Plots:     filepath.Join(root, "plots"),
		Reports:   filepath.Join(root, "reports"),
		Events:    filepath.Join(root, "events"),
	}
}

// Ensure creates the full tree. Safe to call repeatedly.
func (op OutputPaths) Ensure() error {
	for _, path := range []string{
		op.Root,
		op.Manifests,
		op.Ingest,
		op.Raw,
		op.RawIndex,
		op.Standard,
		op.Linked,
		op.Features,
		op.Models,
		op.Plots,
		op.Reports,
		op.Events,
	} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}

	return nil
}

// LinkedEvent returns the per-event linked artifact directory.
func (op OutputPaths) LinkedEvent(eventID string) string {
	return filepath.Join(op.Linked, eventID)
}

// FeaturesEvent returns the per-event feature artifact directory.
func (op OutputPaths) FeaturesEvent(eventID string) string {
	return filepath.Join(op.Features, eventID)
}

// PlotsHTMLEvent returns the per-event html plot directory.
func (op OutputPaths) PlotsHTMLEvent(eventID string) string {
	return filepath.Join(op.Plots, "html", eventID)
}

// PlotsSpecEvent returns the per-event plot spec directory.
func (op OutputPaths) PlotsSpecEvent(eventID string) string {
	return filepath.Join(op.Plots, "spec", eventID)
}

// EventDir returns the final committed package directory for an event.
func (op OutputPaths) EventDir(eventID string) string {
	return filepath.Join(op.Events, eventID)
}
