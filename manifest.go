package quakelink

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ManifestFile records one input file's identity for reproducibility checks.
type ManifestFile struct {
	Source    string `json:"source"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	MtimeUTC  string `json:"mtime_utc"`
	Sha256    string `json:"sha256"`
}

// Manifest enumerates every input file the run can see, with content hashes.
type Manifest struct {
	RunID          string         `json:"run_id"`
	ParamsHash     string         `json:"params_hash"`
	GeneratedAtUTC string         `json:"generated_at_utc"`
	TotalFiles     int            `json:"total_files"`
	TotalBytes     int64          `json:"total_bytes"`
	Files          []ManifestFile `json:"files"`
}

// ComputeSha256 hashes a file's content in 1 MiB chunks.
func ComputeSha256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.CopyBuffer(hasher, f, make([]byte, 1<<20)); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// trawl recursively collects files under root whose basename matches the
// glob pattern. The basename is the only component matched, so patterns stay
// portable between flat and nested input layouts.
func trawl(root, pattern string, items []string) ([]string, error) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		match, err := filepath.Match(pattern, filepath.Base(path))
		if err != nil {
			return err
		}
		if match {
			items = append(items, path)
		}

		return nil
	})
	if err != nil {
		return items, err
	}

	return items, nil
}

// collectFiles gathers all files for a set of patterns, capped at maxFiles
// (0 means unlimited), deduplicated and sorted for deterministic manifests.
func collectFiles(root string, patterns []string, maxFiles int) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		// an absent source root is an empty source, not a failure
		return nil, nil
	}

	var items []string
	var err error
	for _, pattern := range patterns {
		items, err = trawl(root, pattern, items)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(items))
	unique := items[:0]
	for _, item := range items {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		unique = append(unique, item)
	}
	sort.Strings(unique)

	if maxFiles > 0 && len(unique) > maxFiles {
		unique = unique[:maxFiles]
	}

	return unique, nil
}

// BuildManifest walks each configured source root, hashing every matching
// input file, and writes the manifest JSON to outputPath.
func BuildManifest(baseDir string, config *Config, outputPath, runID, paramsHash string) (*Manifest, error) {
	limits := config.Limits

	sources := make([]string, 0, len(config.Paths))
	for source := range config.Paths {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var files []ManifestFile
	var total_bytes int64

	for _, source := range sources {
		cfg := config.Paths[source]
		root := cfg.Root
		if !filepath.IsAbs(root) {
			root = filepath.Join(baseDir, root)
		}

		patterns := cfg.ResolvePatterns()
		if source == SourceSeismic && cfg.StationXml != "" {
			patterns = append(patterns, filepath.Base(cfg.StationXml))
		}

		found, err := collectFiles(root, patterns, limits.MaxFilesPerSource)
		if err != nil {
			return nil, errors.Join(ErrManifest, err)
		}

		for _, path := range found {
			stat, err := os.Stat(path)
			if err != nil {
				return nil, errors.Join(ErrManifest, err)
			}
			digest, err := ComputeSha256(path)
			if err != nil {
				return nil, errors.Join(ErrManifest, err)
			}

			rel := path
			if r, err := filepath.Rel(baseDir, path); err == nil {
				rel = r
			}

			files = append(files, ManifestFile{
				Source:    source,
				Path:      rel,
				SizeBytes: stat.Size(),
				MtimeUTC:  stat.ModTime().UTC().Format(time.RFC3339),
				Sha256:    digest,
			})
			total_bytes += stat.Size()
		}
	}

	manifest := &Manifest{
		RunID:          runID,
		ParamsHash:     paramsHash,
		GeneratedAtUTC: UtcNowIso(),
		TotalFiles:     len(files),
		TotalBytes:     total_bytes,
		Files:          files,
	}

	if _, err := WriteJson(outputPath, manifest); err != nil {
		return nil, errors.Join(ErrManifest, err)
	}

	return manifest, nil
}
