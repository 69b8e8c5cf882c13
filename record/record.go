// Package record persists small metadata records to disk and reads them back
// defensively. A record that is missing, empty, truncated, corrupted, or of
// an unexpected type reads as absent; no failure mode of the on-disk bytes
// ever surfaces as an error to the caller. Crash-recovery code uses this to
// treat a damaged record exactly like one that was never written.
package record

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
)

// header precedes every record so reads can reject foreign files and records
// written for a different type without depending on gob decode quirks.
type header struct {
	Magic uint32
	Type  string
}

const magic uint32 = 0x75706c6b // "uplk"

// Write serializes v and writes it to path, staging through a temp file in
// the same directory and renaming into place so readers never observe a
// half-written record short of an external crash.
func Write(path string, v any) error {
	if path == "" {
		return errors.New("record: path required")
	}
	if v == nil {
		return errors.New("record: value required")
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(header{Magic: magic, Type: typeName(v)}); err != nil {
		return fmt.Errorf("record: encode header: %w", err)
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("record: encode %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		return fmt.Errorf("record: stage %q: %w", path, err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("record: write %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("record: sync %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("record: close %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("record: rename %q: %w", path, err)
	}
	return nil
}

// Read decodes the record at path into out, which must be a non-nil pointer
// to the expected record type. It reports whether a well-formed record of
// that type was present. Every failure mode, including an empty path, reads
// as absent.
func Read(path string, out any) bool {
	if path == "" || out == nil {
		return false
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return false
	}
	dec := gob.NewDecoder(bytes.NewReader(data))
	var hdr header
	if err := dec.Decode(&hdr); err != nil {
		return false
	}
	if hdr.Magic != magic || hdr.Type != typeName(rv.Elem().Interface()) {
		return false
	}
	return dec.Decode(out) == nil
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.String()
}
