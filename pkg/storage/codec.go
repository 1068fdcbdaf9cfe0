package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// CurrentSchemaVersion is stamped on every record written by this build.
// Readers accept a record of any version; records written before
// versioning are treated as version 1.
const CurrentSchemaVersion = 1

// Encode marshals a record for storage.
func Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// Decode unmarshals a stored record.
func Decode(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// NormalizeSchemaVersion maps the version found on a decoded record to
// an effective version, upgrading the pre-versioning zero value.
func NormalizeSchemaVersion(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}
