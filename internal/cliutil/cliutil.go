// Package cliutil holds the small rendering helpers the fleetctl command
// tree shares: colored status lines and a config loader shared by every
// subcommand. Grounded on the teacher's thin dispatcher style (tools/si's
// flat main.go) and the pack's cobra-driven CLIs (cuemby-warren's
// cmd/warren), which print human-readable progress directly via fmt rather
// than routing CLI output through the structured logger.
package cliutil

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/fleetedge/fleetedge/internal/engine/config"
)

var (
	ok    = color.New(color.FgGreen, color.Bold)
	warn  = color.New(color.FgYellow, color.Bold)
	bad   = color.New(color.FgRed, color.Bold)
	faint = color.New(color.FgHiBlack)
)

// OK prints a green checkmark line.
func OK(format string, args ...any) {
	ok.Print("✓ ")
	fmt.Printf(format+"\n", args...)
}

// Warn prints a yellow warning line.
func Warn(format string, args ...any) {
	warn.Print("! ")
	fmt.Printf(format+"\n", args...)
}

// Fail prints a red failure line.
func Fail(format string, args ...any) {
	bad.Print("✗ ")
	fmt.Printf(format+"\n", args...)
}

// Dim prints a de-emphasized detail line, indented under the prior status
// line.
func Dim(format string, args ...any) {
	faint.Printf("    "+format+"\n", args...)
}

// LoadProject reads and decodes the project config file at path.
func LoadProject(path string) (*config.Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	project, err := config.Decode(raw)
	if err != nil {
		return nil, err
	}
	return project, nil
}

// LoadSecrets reads a flat "KEY: value" YAML secrets file, returning an
// empty map if path is empty (no secrets file configured for this project).
func LoadSecrets(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	var secrets map[string]string
	if err := yaml.Unmarshal(raw, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}
