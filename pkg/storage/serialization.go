package storage

import "encoding/json"

// Records and relationships are stored as plain JSON. Timestamps use the
// standard RFC 3339 encoding, which keeps dumps diffable and importable.

func encodeRecord(rec *Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func encodeRelationship(rel *Relationship) ([]byte, error) {
	return json.Marshal(rel)
}

func decodeRelationship(data []byte) (*Relationship, error) {
	var rel Relationship
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}
