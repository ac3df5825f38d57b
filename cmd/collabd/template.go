package main

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed ex.config.toml
var configTemplate string

// writeTemplate writes the example config to path, refusing to replace an
// existing file unless overwrite is set.
func writeTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(configTemplate), 0o600)
}
