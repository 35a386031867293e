package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config files and env values are small; anything larger is a mistake.
const (
	maxFileBytes  = 1 << 20
	maxEnvValue   = 10000
	maxPathLength = 4096
)

func checkLayerPath(path string) error {
	switch {
	case path == "":
		return fmt.Errorf("empty path")
	case len(path) > maxPathLength:
		return fmt.Errorf("path longer than %d bytes", maxPathLength)
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" && ext != ".json" {
		return fmt.Errorf("unsupported extension %q, want .yaml, .yml or .json", ext)
	}
	return nil
}

// readLayer reads a regular config file of bounded size
func readLayer(path string) ([]byte, error) {
	if err := checkLayerPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, maxFileBytes)
	}
	return data, nil
}

// writeLayer writes data readable by the owner only, since it may hold the secret key
func writeLayer(path string, data []byte) error {
	if err := checkLayerPath(path); err != nil {
		return err
	}
	if len(data) > maxFileBytes {
		return fmt.Errorf("config exceeds %d bytes", maxFileBytes)
	}
	return os.WriteFile(path, data, 0600)
}

func checkEnvValue(name, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s longer than %d bytes", name, maxEnvValue)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("%s contains a NUL byte", name)
	}
	return nil
}
