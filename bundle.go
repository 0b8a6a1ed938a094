package quakelink

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const bundleName = "event_bundle.zip"

// MakeEventBundle re-renders the summary and zips the committed event
// package. The bundle itself is excluded, so repeated bundling is stable.
func MakeEventBundle(env *StageEnv, eventID string) (string, error) {
	event_dir := env.Paths.EventDir(eventID)
	if _, err := os.Stat(event_dir); err != nil {
		return "", errors.Join(ErrBundle, err, errors.New(eventID))
	}

	if _, err := RenderEventSummary(env, eventID, "md", event_dir); err != nil {
		return "", errors.Join(ErrBundle, err)
	}

	bundle_path := filepath.Join(event_dir, bundleName)
	if err := os.Remove(bundle_path); err != nil && !os.IsNotExist(err) {
		return "", errors.Join(ErrBundle, err)
	}

	f, err := os.Create(bundle_path)
	if err != nil {
		return "", errors.Join(ErrBundle, err)
	}

	writer := zip.NewWriter(f)
	err = filepath.WalkDir(event_dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(event_dir, path)
		if err != nil {
			return err
		}
		if rel == bundleName {
			return nil
		}

		entry, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		_, err = io.Copy(entry, in)

		return err
	})
	if err != nil {
		writer.Close()
		f.Close()
		return "", errors.Join(ErrBundle, err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return "", errors.Join(ErrBundle, err)
	}

	return bundle_path, f.Close()
}
