package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ShellDef is one shell created at startup.
type ShellDef struct {
	Name  string `yaml:"name"`
	Shell string `yaml:"shell"`
	Cols  uint16 `yaml:"cols"`
	Rows  uint16 `yaml:"rows"`
	Dir   string `yaml:"dir"`
}

type shellsFile struct {
	Shells []ShellDef `yaml:"shells"`
}

// LoadShells reads startup shell definitions from a YAML file of the form
//
//	shells:
//	  - name: build
//	    shell: /bin/bash
//	    cols: 120
//	    rows: 40
func LoadShells(path string) ([]ShellDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shells file: %w", err)
	}
	var f shellsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse shells file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Shells))
	for i, def := range f.Shells {
		if def.Name == "" {
			continue
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("shells file %s: duplicate name %q at entry %d", path, def.Name, i)
		}
		seen[def.Name] = true
	}
	return f.Shells, nil
}
