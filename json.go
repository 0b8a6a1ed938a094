package quakelink

import (
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// WriteJson serialises data to a JSON file, creating parent directories as
// needed. Map keys serialise in sorted order, so repeated runs over the same
// payload produce identical bytes.
func WriteJson(path string, data any) (int, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return 0, err
	}

	jsn, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	bytes_written, err := f.Write(jsn)
	if err != nil {
		return 0, err
	}

	return bytes_written, nil
}

// ReadJsonInto deserialises a JSON file into out.
func ReadJsonInto(path string, out any) error {
	jsn, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(jsn, out)
}

// jsonUnmarshalString decodes a JSON string into out.
func jsonUnmarshalString(jsn string, out any) error {
	return json.Unmarshal([]byte(jsn), out)
}

// JsonDumps constructs a JSON string of the supplied data.
func JsonDumps(data any) (string, error) {
	jsn, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return string(jsn), nil
}

// JsonIndentDumps constructs a json string of the supplied data using an
// indentation of four spaces.
func JsonIndentDumps(data any) (string, error) {
	jsn, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "", err
	}

	return string(jsn), nil
}
