package layout

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the current wire schema version for persisted layouts.
//
// The persistent cache tier stores layouts across process restarts and app
// upgrades, so the on-disk format carries an explicit version. Decoding an
// unknown version fails, which the cache treats as a miss: the layout is
// simply regenerated from source data.
const SchemaVersion = 1

// wireLayout is the persisted envelope for a CachedLayout.
type wireLayout struct {
	SchemaVersion int          `json:"schemaVersion"`
	Layout        CachedLayout `json:"layout"`
}

// Encode serializes a layout for the persistent cache tier.
func Encode(l *CachedLayout) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("layout: cannot encode nil layout")
	}
	return json.Marshal(wireLayout{
		SchemaVersion: SchemaVersion,
		Layout:        *l,
	})
}

// Decode deserializes a persisted layout.
//
// Returns an error for malformed data or an unrecognized schema version;
// callers treat either as a decode-miss and regenerate.
func Decode(data []byte) (*CachedLayout, error) {
	var wire wireLayout
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("layout: failed to decode: %w", err)
	}
	if wire.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("layout: unsupported schema version %d", wire.SchemaVersion)
	}
	return &wire.Layout, nil
}
