package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SchemaVersion is the newest document layout this code understands.
// Documents claiming a higher version are rejected whole, never
// partially applied.
const SchemaVersion = 1

var (
	ErrFutureVersion = errors.New("state document from a future schema version")
	ErrCorrupt       = errors.New("state document is corrupt")
)

// Document is the persisted settings state.
type Document struct {
	Version int `json:"version"`
	// Fields maps setting key to its JSON value.
	Fields map[string]json.RawMessage `json:"fields"`
	// FieldMeta records each field's last local mutation (unix millis),
	// used for oldest-first trimming and conflict timestamps.
	FieldMeta map[string]int64 `json:"fieldMeta,omitempty"`
	// Timestamp is the last local mutation (unix millis).
	Timestamp int64 `json:"timestamp"`
	// Checksum detects torn or tampered documents.
	Checksum string `json:"checksum,omitempty"`
}

func newDocument(fields map[string]json.RawMessage) Document {
	cp := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		cp[k] = append(json.RawMessage(nil), v...)
	}
	return Document{
		Version:   SchemaVersion,
		Fields:    cp,
		FieldMeta: map[string]int64{},
	}
}

func (d *Document) normalize() {
	if d.Fields == nil {
		d.Fields = map[string]json.RawMessage{}
	}
	if d.FieldMeta == nil {
		d.FieldMeta = map[string]int64{}
	}
}

// checksumOf hashes the document content with the checksum field blank.
func checksumOf(d Document) (string, error) {
	d.Checksum = ""
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal stamps the checksum and serializes the document.
func seal(d Document) ([]byte, error) {
	sum, err := checksumOf(d)
	if err != nil {
		return nil, err
	}
	d.Checksum = sum
	return json.Marshal(d)
}

// open parses and integrity-checks a serialized document.
func open(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	d.normalize()
	if d.Version > SchemaVersion {
		return Document{}, fmt.Errorf("%w: version %d", ErrFutureVersion, d.Version)
	}
	if d.Checksum != "" {
		want, err := checksumOf(d)
		if err != nil {
			return Document{}, err
		}
		if want != d.Checksum {
			return Document{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
		}
	}
	return d, nil
}
