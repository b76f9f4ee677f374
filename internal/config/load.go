// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/forkbombeu/cvdassemble/internal/cvd"
)

// Marshal renders doc the way it is written to disk: indented, with map keys
// in sorted order.
func Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, cvd.Wrap(cvd.FatalInternal, err, "encode config")
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a configuration document.
func Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cvd.Wrap(cvd.ConfigLoadFailed, err, "decode config")
	}
	if doc.Instances == nil {
		doc.Instances = map[string]*Instance{}
	}
	if doc.Environments == nil {
		doc.Environments = map[string]*Environment{}
	}
	return &doc, nil
}

func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cvd.Wrap(cvd.ConfigLoadFailed, err, "read %s", path)
	}
	doc, err := Unmarshal(data)
	if err != nil {
		return nil, cvd.Wrap(cvd.ConfigLoadFailed, err, "%s", path)
	}
	return doc, nil
}

// SaveDocument writes doc to path non-atomically. The publisher uses its own
// atomic writer.
func SaveDocument(path string, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return cvd.Wrap(cvd.IOFailed, err, "write %s", path)
	}
	return nil
}
