package codestore

import (
	"context"
	"fmt"
)

// Genesis artifacts: the initial CodeUnit set written exactly once into
// an empty store. Core modules here are ordinary interpreted Go source
// following the substrate's factory contract, so the agent can read,
// improve and roll them back like anything else it owns.
var genesisUnits = map[string]string{
	PrefixCore + "strutil": `//metamorph:module core/strutil
package strutil

import "strings"

func New(deps map[string]any) (any, error) {
	return map[string]any{
		"reverse": func(s string) string {
			runes := []rune(s)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return string(runes)
		},
		"fields": func(s string) []string {
			return strings.Fields(s)
		},
	}, nil
}
`,
	PrefixCore + "report": `//metamorph:module core/report
//metamorph:requires core/strutil
package report

import "fmt"

func New(deps map[string]any) (any, error) {
	strutil, ok := deps["core/strutil"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("report: missing core/strutil dependency")
	}
	fields, _ := strutil["fields"].(func(string) []string)
	return map[string]any{
		"wordCount": func(s string) int {
			if fields == nil {
				return 0
			}
			return len(fields(s))
		},
	}, nil
}
`,
	PrefixWidgets + "README": `Widgets are plain text artifacts: no factory contract, no backups.
They are stored for external surfaces to fetch and render.
`,
}

// Seed writes the genesis artifact set when the store is empty.
// Returns the written paths, or nil when the store already has content.
func Seed(ctx context.Context, s *Store) ([]string, error) {
	empty, err := s.IsEmpty(ctx)
	if err != nil {
		return nil, fmt.Errorf("codestore: genesis check: %w", err)
	}
	if !empty {
		return nil, nil
	}
	paths := make([]string, 0, len(genesisUnits))
	for path, content := range genesisUnits {
		if err := s.Write(ctx, path, content); err != nil {
			return nil, fmt.Errorf("codestore: seed %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
