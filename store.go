package quakelink

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
)

// storeRow is the physical row layout of the partitioned store. Partition
// key columns are stored in-file as well as in the directory name; readers
// therefore see them regardless of how the dataset was partitioned.
// quality_flags travels as its canonical JSON string for portability.
type storeRow struct {
	TsMs         int64    `parquet:"ts_ms"`
	Source       string   `parquet:"source,dict"`
	StationID    string   `parquet:"station_id,dict"`
	Channel      string   `parquet:"channel,dict"`
	Value        *float64 `parquet:"value,optional"`
	Lat          *float64 `parquet:"lat,optional"`
	Lon          *float64 `parquet:"lon,optional"`
	Elev         *float64 `parquet:"elev,optional"`
	QualityFlags string   `parquet:"quality_flags"`
	ProcStage    string   `parquet:"proc_stage,dict"`
	ProcVersion  string   `parquet:"proc_version,dict"`
	ParamsHash   string   `parquet:"params_hash,dict"`
	EventID      string   `parquet:"event_id,dict"`
	DistanceKm   *float64 `parquet:"distance_km,optional"`
}

func recordToRow(r *Record) storeRow {
	return storeRow{
		TsMs:         r.TsMs,
		Source:       r.Source,
		StationID:    r.StationID,
		Channel:      r.Channel,
		Value:        r.Value,
		Lat:          r.Lat,
		Lon:          r.Lon,
		Elev:         r.Elev,
		QualityFlags: r.Flags.Dumps(),
		ProcStage:    r.ProcStage,
		ProcVersion:  r.ProcVersion,
		ParamsHash:   r.ParamsHash,
		EventID:      r.EventID,
		DistanceKm:   r.DistanceKm,
	}
}

func rowToRecord(row *storeRow) Record {
	return Record{
		TsMs:        row.TsMs,
		Source:      row.Source,
		StationID:   row.StationID,
		Channel:     row.Channel,
		Value:       row.Value,
		Lat:         row.Lat,
		Lon:         row.Lon,
		Elev:        row.Elev,
		Flags:       ParseQualityFlags(row.QualityFlags),
		ProcStage:   row.ProcStage,
		ProcVersion: row.ProcVersion,
		ParamsHash:  row.ParamsHash,
		EventID:     row.EventID,
		DistanceKm:  row.DistanceKm,
	}
}

// partitionValue extracts a partition key value from a record. Rows missing
// a partition column are placed under key=unknown.
func partitionValue(r *Record, key string) string {
	var value string

	switch key {
	case "source":
		value = r.Source
	case "station_id":
		value = r.StationID
	case "channel":
		value = r.Channel
	case "date":
		value = r.DateKey()
	case "proc_stage":
		value = r.ProcStage
	case "event_id":
		value = r.EventID
	}
	if value == "" {
		return "unknown"
	}

	return sanitizePartition(value)
}

// sanitizePartition keeps partition values filesystem safe. Seismic station
// ids contain dots, which are fine; path separators are not.
func sanitizePartition(value string) string {
	value = strings.ReplaceAll(value, string(os.PathSeparator), "_")
	value = strings.ReplaceAll(value, "=", "_")

	return value
}

// Predicate is pushed down into the store scan. Keys filters on partition
// keys (pruning whole directories) and transparently on the equivalent row
// columns; Ts bounds are inclusive; Row, if set, is applied last.
type Predicate struct {
	Keys  map[string][]string
	TsMin *int64
	TsMax *int64
	Row   func(*Record) bool
}

// matchPartition prunes a partition directory given its key=value pairs.
// Keys absent from the directory layout are left for the row filter.
func (p *Predicate) matchPartition(keys map[string]string) bool {
	if p == nil {
		return true
	}

	for key, allowed := range p.Keys {
		value, present := keys[key]
		if !present {
			continue
		}
		found := false
		for _, want := range allowed {
			if sanitizePartition(want) == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

func (p *Predicate) matchRecord(r *Record) bool {
	if p == nil {
		return true
	}

	if p.TsMin != nil && r.TsMs < *p.TsMin {
		return false
	}
	if p.TsMax != nil && r.TsMs > *p.TsMax {
		return false
	}

	for key, allowed := range p.Keys {
		value := partitionValue(r, key)
		found := false
		for _, want := range allowed {
			if sanitizePartition(want) == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if p.Row != nil && !p.Row(r) {
		return false
	}

	return true
}

// compressionCodec maps the configured compression name onto a parquet
// codec, defaulting to zstandard.
func compressionCodec(name string) parquet.WriterOption {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.Compression(&parquet.Snappy)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4", "lz4_raw":
		return parquet.Compression(&parquet.Lz4Raw)
	case "uncompressed", "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Zstd)
	}
}

// PartitionedWriter streams records into a hive-partitioned dataset. Each
// partition gets its own rotating sequence of part files so that repeated
// appends never overwrite; the rotation counters can be read back and handed
// to a subsequent writer to continue a sequence. A writer owns a namespace
// (short uuid) that keeps parallel workers from colliding on file names
// within the same partition.
type PartitionedWriter struct {
	root        string
	keys        []string
	compression string
	batchRows   int
	namespace   string

	buffers  map[string][]storeRow
	Counters map[string]int
}

// NewPartitionedWriter prepares a writer over root using the storage
// settings in cfg.
func NewPartitionedWriter(root string, cfg ParquetConfig) *PartitionedWriter {
	batch_rows := cfg.BatchRows
	if batch_rows <= 0 {
		batch_rows = 200_000
	}
	keys := cfg.PartitionCols
	if len(keys) == 0 {
		keys = []string{"source", "station_id", "date"}
	}

	return &PartitionedWriter{
		root:        root,
		keys:        keys,
		compression: cfg.Compression,
		batchRows:   batch_rows,
		namespace:   uuid.NewString()[:8],
		buffers:     make(map[string][]storeRow),
		Counters:    make(map[string]int),
	}
}

// WithCounters seeds the rotation counters, continuing a previous writer's
// sequence.
func (w *PartitionedWriter) WithCounters(counters map[string]int) *PartitionedWriter {
	for part, seq := range counters {
		w.Counters[part] = seq
	}

	return w
}

// WithNamespace replaces the random namespace. Stages pass a params-hash
// derived namespace so a re-run with the same configuration reproduces the
// same file names; the random default remains for ad-hoc writers. Distinct
// namespaces are what keep parallel workers off each other's files within a
// shared partition.
func (w *PartitionedWriter) WithNamespace(namespace string) *PartitionedWriter {
	if namespace != "" {
		if len(namespace) > 8 {
			namespace = namespace[:8]
		}
		w.namespace = namespace
	}

	return w
}

// partitionDir computes the relative hive path for a record.
func (w *PartitionedWriter) partitionDir(r *Record) string {
	parts := make([]string, len(w.keys))
	for i, key := range w.keys {
		parts[i] = key + "=" + partitionValue(r, key)
	}

	return filepath.Join(parts...)
}

// Append buffers records by partition, flushing any partition whose buffer
// reaches the configured batch size.
func (w *PartitionedWriter) Append(records []Record) error {
	for i := range records {
		part := w.partitionDir(&records[i])
		w.buffers[part] = append(w.buffers[part], recordToRow(&records[i]))
		if len(w.buffers[part]) >= w.batchRows {
			if err := w.flushPartition(part); err != nil {
				return err
			}
		}
	}

	return nil
}

// Close flushes every partition buffer. The writer remains usable for
// further appends, which will rotate onto new part files.
func (w *PartitionedWriter) Close() error {
	parts := make([]string, 0, len(w.buffers))
	for part := range w.buffers {
		parts = append(parts, part)
	}
	sort.Strings(parts)

	for _, part := range parts {
		if err := w.flushPartition(part); err != nil {
			return err
		}
	}

	return nil
}

func (w *PartitionedWriter) flushPartition(part string) error {
	rows := w.buffers[part]
	if len(rows) == 0 {
		return nil
	}
	w.buffers[part] = nil

	dir := filepath.Join(w.root, part)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}

	return w.writeRotating(dir, part, rows)
}

// writeRotating writes rows as one part file, halving the batch on failure
// until the pieces fit. Each piece rotates onto the next free sequence
// number, so a partial failure never clobbers an existing file.
func (w *PartitionedWriter) writeRotating(dir, part string, rows []storeRow) error {
	path := w.nextPartFile(dir, part)

	err := writeRowsFile(path, rows, w.compression)
	if err == nil {
		return nil
	}
	if len(rows) < 2 {
		return errors.Join(ErrStoreWrite, err, errors.New(path))
	}

	// memory pressure or row-group failure; retry in halves
	mid := len(rows) / 2
	if err := w.writeRotating(dir, part, rows[:mid]); err != nil {
		return err
	}

	return w.writeRotating(dir, part, rows[mid:])
}

// nextPartFile claims the next unused sequence number for a partition.
func (w *PartitionedWriter) nextPartFile(dir, part string) string {
	for {
		seq := w.Counters[part]
		w.Counters[part] = seq + 1
		path := filepath.Join(dir, fmt.Sprintf("part-%s-%05d.parquet", w.namespace, seq))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

func writeRowsFile(path string, rows []storeRow, compression string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := parquet.NewGenericWriter[storeRow](f, compressionCodec(compression))
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		os.Remove(path)
		return err
	}
	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	return f.Close()
}

// WritePartitioned streams records into the dataset rooted at root and
// returns the updated rotation counters so callers can keep appending.
func WritePartitioned(records []Record, root string, cfg ParquetConfig, counters map[string]int) (map[string]int, error) {
	writer := NewPartitionedWriter(root, cfg)
	if counters != nil {
		writer.WithCounters(counters)
	}

	if err := writer.Append(records); err != nil {
		return writer.Counters, err
	}
	if err := writer.Close(); err != nil {
		return writer.Counters, err
	}

	return writer.Counters, nil
}

// partFile is one discovered data file plus the partition key values parsed
// from its directory path.
type partFile struct {
	path string
	keys map[string]string
}

// discoverFiles walks a dataset root and returns its part files in
// lexicographic path order, which for the canonical source/station/date
// layout is chronological within each station.
func discoverFiles(root string) ([]partFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Join(ErrStoreRead, err)
	}
	if !info.IsDir() {
		return []partFile{{path: root, keys: map[string]string{}}}, nil
	}

	var files []partFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		keys := make(map[string]string)
		for _, seg := range strings.Split(filepath.Dir(rel), string(os.PathSeparator)) {
			if k, v, found := strings.Cut(seg, "="); found {
				keys[k] = v
			}
		}
		files = append(files, partFile{path: path, keys: keys})

		return nil
	})
	if err != nil {
		return nil, errors.Join(ErrStoreRead, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	return files, nil
}

// applyPartition projects partition key values into row columns the file
// itself may not carry.
func applyPartition(r *Record, keys map[string]string) {
	if r.Source == "" {
		r.Source = keys["source"]
	}
	if r.StationID == "" {
		r.StationID = keys["station_id"]
	}
	if r.Channel == "" {
		r.Channel = keys["channel"]
	}
}

// scanFile streams one part file in chunks of batchRows, invoking fn with
// each chunk of matching records. fn returning errScanDone stops the scan
// early without error.
var errScanDone = errors.New("scan done")

func scanFile(pf partFile, pred *Predicate, batchRows int, fn func([]Record) error) error {
	f, err := os.Open(pf.path)
	if err != nil {
		return errors.Join(ErrStoreRead, err, errors.New(pf.path))
	}
	defer f.Close()

	reader := parquet.NewGenericReader[storeRow](f)
	defer reader.Close()

	buf := make([]storeRow, batchRows)
	for {
		n, read_err := reader.Read(buf)
		if n > 0 {
			batch := make([]Record, 0, n)
			for i := 0; i < n; i++ {
				rec := rowToRecord(&buf[i])
				applyPartition(&rec, pf.keys)
				if pred.matchRecord(&rec) {
					batch = append(batch, rec)
				}
			}
			if len(batch) > 0 {
				if err := fn(batch); err != nil {
					return err
				}
			}
		}
		if read_err != nil {
			if errors.Is(read_err, io.EOF) {
				return nil
			}
			return errors.Join(ErrStoreRead, read_err, errors.New(pf.path))
		}
	}
}

// ScanBatches streams the dataset at root in partition-path order, calling
// fn with batches of at most batchRows matching records. A nonexistent root
// is an empty dataset, not an error.
func ScanBatches(root string, pred *Predicate, batchRows int, fn func([]Record) error) error {
	if batchRows <= 0 {
		batchRows = 200_000
	}

	files, err := discoverFiles(root)
	if err != nil {
		return err
	}

	for _, pf := range files {
		if !pred.matchPartition(pf.keys) {
			continue
		}
		if err := scanFile(pf, pred, batchRows, fn); err != nil {
			if errors.Is(err, errScanDone) {
				return nil
			}
			return err
		}
	}

	return nil
}

// ReadRecords returns every record under root matching pred, projected to
// columns (nil keeps all), capped at limit rows (0 means unlimited).
func ReadRecords(root string, pred *Predicate, columns []string, limit int) ([]Record, error) {
	var out []Record

	err := ScanBatches(root, pred, 0, func(batch []Record) error {
		for i := range batch {
			rec := batch[i]
			if columns != nil {
				rec = projectRecord(&rec, columns)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				return errScanDone
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanDone) {
		return nil, err
	}

	return out, nil
}

// projectRecord keeps only the named logical columns populated.
func projectRecord(r *Record, columns []string) Record {
	var out Record

	for _, col := range columns {
		switch col {
		case "ts_ms":
			out.TsMs = r.TsMs
		case "source":
			out.Source = r.Source
		case "station_id":
			out.StationID = r.StationID
		case "channel":
			out.Channel = r.Channel
		case "value":
			out.Value = r.Value
		case "lat":
			out.Lat = r.Lat
		case "lon":
			out.Lon = r.Lon
		case "elev":
			out.Elev = r.Elev
		case "quality_flags":
			out.Flags = r.Flags
		case "proc_stage":
			out.ProcStage = r.ProcStage
		case "proc_version":
			out.ProcVersion = r.ProcVersion
		case "params_hash":
			out.ParamsHash = r.ParamsHash
		case "event_id":
			out.EventID = r.EventID
		case "distance_km":
			out.DistanceKm = r.DistanceKm
		}
	}

	return out
}

// WriteTable writes a flat (non-partitioned) table of rows to a single
// parquet file. An empty slice still produces a schema-valid file.
func WriteTable[T any](path string, rows []T, compression string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}

	writer := parquet.NewGenericWriter[T](f, compressionCodec(compression))
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			f.Close()
			return errors.Join(ErrStoreWrite, err, errors.New(path))
		}
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return errors.Join(ErrStoreWrite, err, errors.New(path))
	}

	return f.Close()
}

// ReadTable reads a flat parquet table written by WriteTable.
func ReadTable[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Join(ErrStoreRead, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	var out []T
	buf := make([]T, 4096)
	for {
		n, read_err := reader.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if read_err != nil {
			if errors.Is(read_err, io.EOF) {
				return out, nil
			}
			return nil, errors.Join(ErrStoreRead, read_err, errors.New(path))
		}
	}
}

// WriteAligned and ReadAligned move the canonical record schema through a
// flat table, used for the per-event aligned output.
func WriteAligned(path string, records []Record, compression string) error {
	rows := make([]storeRow, len(records))
	for i := range records {
		rows[i] = recordToRow(&records[i])
	}

	return WriteTable(path, rows, compression)
}

func ReadAligned(path string) ([]Record, error) {
	rows, err := ReadTable[storeRow](path)
	if err != nil {
		return nil, err
	}

	records := make([]Record, len(rows))
	for i := range rows {
		records[i] = rowToRecord(&rows[i])
	}

	return records, nil
}
