package quakelink

import (
	"errors"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	stgpsr "github.com/yuin/stagparser"
)

// openArray opens the array at uri in the given mode, releasing the handle
// again if the open itself fails so callers never see a half-opened array.
func openArray(tdctx *tiledb.Context, uri string, mode tiledb.QueryType) (*tiledb.Array, error) {
	array, err := tiledb.NewArray(tdctx, uri)
	if err != nil {
		return nil, errors.Join(err, errors.New("tiledb array handle: "+uri))
	}

	if err := array.Open(mode); err != nil {
		array.Free()
		return nil, errors.Join(err, errors.New("opening tiledb array: "+uri))
	}

	return array, nil
}

// newCellFilter builds one compression filter from a parsed filters-tag
// definition. Tags the spectrogram cells do not use return nil and are
// skipped by the caller.
func newCellFilter(ctx *tiledb.Context, def stgpsr.Definition) (*tiledb.Filter, error) {
	switch def.Name() {
	case "zstd":
		level, ok := def.Attribute("level")
		if !ok {
			return nil, errors.Join(ErrCreateSpecTdb, errors.New("zstd level not defined"))
		}
		filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_ZSTD)
		if err != nil {
			return nil, errors.Join(ErrCreateSpecTdb, err)
		}
		if err := filt.SetOption(tiledb.TILEDB_COMPRESSION_LEVEL, int32(level.(int64))); err != nil {
			filt.Free()
			return nil, errors.Join(ErrCreateSpecTdb, err)
		}
		return filt, nil
	case "bysh":
		filt, err := tiledb.NewFilter(ctx, tiledb.TILEDB_FILTER_BYTESHUFFLE)
		if err != nil {
			return nil, errors.Join(ErrCreateSpecTdb, err)
		}
		return filt, nil
	}

	return nil, nil
}

// CreateCellAttr creates a float64 cell attribute on the spectrogram schema
// with its compression pipeline taken from the struct tags. Tags follow the
// dtype/ftype convention with a filters tag listing the pipeline, e.g.
// `tiledb:"dtype=float64,ftype=attr" filters:"zstd(level=16)"`. The
// spectrogram cells only need the float64 case.
func CreateCellAttr(
	field_name string,
	filter_defs []stgpsr.Definition,
	tiledb_defs map[string]stgpsr.Definition,
	schema *tiledb.ArraySchema,
	ctx *tiledb.Context,
) error {
	def, status := tiledb_defs["dtype"]
	if !status {
		return errors.Join(ErrCreateSpecTdb, errors.New("dtype tag not found"))
	}
	dtype, _ := def.Attribute("dtype")

	var tdb_dtype tiledb.Datatype
	switch dtype {
	case "float64":
		tdb_dtype = tiledb.TILEDB_FLOAT64
	case "float32":
		tdb_dtype = tiledb.TILEDB_FLOAT32
	case "int64":
		tdb_dtype = tiledb.TILEDB_INT64
	case "datetime_ns":
		tdb_dtype = tiledb.TILEDB_DATETIME_NS
	default:
		return errors.Join(ErrCreateSpecTdb, errors.New("unsupported dtype: "+field_name))
	}

	attr_filts, err := tiledb.NewFilterList(ctx)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer attr_filts.Free()

	for _, filter := range filter_defs {
		filt, err := newCellFilter(ctx, filter)
		if err != nil {
			return err
		}
		if filt == nil {
			continue
		}
		defer filt.Free()
		if err := attr_filts.AddFilter(filt); err != nil {
			return errors.Join(ErrCreateSpecTdb, err)
		}
	}

	attr, err := tiledb.NewAttribute(ctx, field_name, tdb_dtype)
	if err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}
	defer attr.Free()

	if err := attr.SetFilterList(attr_filts); err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}

	if err := schema.AddAttributes(attr); err != nil {
		return errors.Join(ErrCreateSpecTdb, err)
	}

	return nil
}

// structFieldDefs parses the tiledb/filters tags of a struct's fields,
// returning per-field filter definitions and the tiledb definitions keyed by
// definition name.
func structFieldDefs(t any) (map[string][]stgpsr.Definition, map[string]map[string]stgpsr.Definition, error) {
	filt_defs, err := stgpsr.ParseStruct(t, "filters")
	if err != nil {
		return nil, nil, errors.Join(ErrCreateSpecTdb, err)
	}
	tdb_defs, err := stgpsr.ParseStruct(t, "tiledb")
	if err != nil {
		return nil, nil, errors.Join(ErrCreateSpecTdb, err)
	}

	tiledb_defs := make(map[string]map[string]stgpsr.Definition)
	for field, defs := range tdb_defs {
		by_name := make(map[string]stgpsr.Definition)
		for _, def := range defs {
			by_name[def.Name()] = def
		}
		tiledb_defs[field] = by_name
	}

	return filt_defs, tiledb_defs, nil
}

// ReadArrayMetadataJson reads a JSON metadata value from an open array into
// out. The spectrogram axes travel this way.
func ReadArrayMetadataJson(array *tiledb.Array, key string, out any) error {
	_, _, value, err := array.GetMetadata(key)
	if err != nil {
		return errors.Join(ErrReadSpecTdb, err, errors.New(key))
	}

	jsn, ok := value.(string)
	if !ok {
		return errors.Join(ErrReadSpecTdb, errors.New("metadata not a JSON string: "+key))
	}

	return jsonUnmarshalString(jsn, out)
}
