package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/starford/dyad/pkg/config"
)

// LoadFile reads one YAML model definition.
func LoadFile(path string) (*Definition, error) {
	var def Definition
	if err := config.Load(path, &def); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return &def, nil
}

// LoadDir reads every *.yaml / *.yml file in dir, in name order.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("model: read dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(files)

	defs := make([]*Definition, 0, len(files))
	for _, f := range files {
		def, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDir loads dir and registers every definition found.
func (r *Registry) RegisterDir(dir string) (int, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return 0, err
		}
	}
	return len(defs), nil
}
