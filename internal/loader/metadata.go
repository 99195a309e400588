package loader

import (
	"fmt"
	"go/parser"
	"go/token"
	"strings"
)

// Metadata is declared in comment directives at the top of a unit:
//
//	//metamorph:module core/report
//	//metamorph:requires core/strutil
type Metadata struct {
	Name     string
	Requires []string
	Package  string
	Imports  []string
}

const (
	directiveModule   = "//metamorph:module"
	directiveTool     = "//metamorph:tool"
	directiveRequires = "//metamorph:requires"
)

// Safe stdlib packages interpreted units may import. Everything else,
// filesystem and network access included, is rejected at load time.
var allowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// ParseMetadata reads the directive header and the package clause of a
// unit's source. The source must be syntactically valid Go.
func ParseMetadata(src string) (Metadata, error) {
	var meta Metadata
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "//") {
			break
		}
		switch {
		case strings.HasPrefix(trimmed, directiveModule):
			meta.Name = strings.TrimSpace(strings.TrimPrefix(trimmed, directiveModule))
		case strings.HasPrefix(trimmed, directiveTool):
			meta.Name = strings.TrimSpace(strings.TrimPrefix(trimmed, directiveTool))
		case strings.HasPrefix(trimmed, directiveRequires):
			dep := strings.TrimSpace(strings.TrimPrefix(trimmed, directiveRequires))
			if dep != "" {
				meta.Requires = append(meta.Requires, dep)
			}
		}
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "unit.go", src, parser.ImportsOnly)
	if err != nil {
		return Metadata{}, fmt.Errorf("loader: parse unit: %w", err)
	}
	meta.Package = file.Name.Name
	for _, imp := range file.Imports {
		meta.Imports = append(meta.Imports, strings.Trim(imp.Path.Value, `"`))
	}
	return meta, nil
}

func validateImports(meta Metadata) error {
	return ValidateImports(meta.Imports)
}

// ValidateImports rejects any import outside the safe stdlib allowlist.
func ValidateImports(imports []string) error {
	var forbidden []string
	for _, imp := range imports {
		if !allowedImports[imp] {
			forbidden = append(forbidden, imp)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("loader: forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}
