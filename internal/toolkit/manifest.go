package toolkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest describes one analyzer module. It sits next to the .wasm
// file as <name>.json; a missing manifest falls back to defaults
// derived from the filename.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Entry   string `json:"entry,omitempty"`
}

// LoadModule reads a .wasm file and its sidecar manifest.
func LoadModule(wasmPath string) (Manifest, []byte, error) {
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("read toolkit module: %w", err)
	}
	manifest, err := loadManifest(wasmPath)
	if err != nil {
		return Manifest{}, nil, err
	}
	return manifest, wasmBytes, nil
}

func loadManifest(wasmPath string) (Manifest, error) {
	stem := strings.TrimSuffix(wasmPath, filepath.Ext(wasmPath))
	fallback := Manifest{Name: filepath.Base(stem), Entry: "analyze"}

	raw, err := os.ReadFile(stem + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return fallback, nil
		}
		return Manifest{}, fmt.Errorf("read toolkit manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse toolkit manifest %s.json: %w", filepath.Base(stem), err)
	}
	if m.Name == "" {
		m.Name = fallback.Name
	}
	if m.Entry == "" {
		m.Entry = "analyze"
	}
	return m, nil
}

// DiscoverModules lists the .wasm files under a toolkit directory.
func DiscoverModules(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wasm"))
	if err != nil {
		return nil, fmt.Errorf("scan toolkit dir: %w", err)
	}
	return matches, nil
}
