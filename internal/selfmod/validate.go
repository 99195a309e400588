package selfmod

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"metamorph/internal/loader"
)

// Validation is structural, not semantic: it proves the unit conforms
// to the expected export shape, nothing more. Runtime failures are the
// reload/rollback discipline's problem.

// validateToolSource checks that code parses, imports only allowlisted
// stdlib packages, and exports exactly one callable: Run with the
// func(map[string]any) (map[string]any, error) contract.
func validateToolSource(code string) error {
	file, imports, err := parseUnit(code)
	if err != nil {
		return err
	}
	if err := loader.ValidateImports(imports); err != nil {
		return err
	}

	var exported []*ast.FuncDecl
	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil {
			continue
		}
		if fn.Name.IsExported() {
			exported = append(exported, fn)
		}
	}
	if len(exported) != 1 {
		return fmt.Errorf("want exactly one exported function, found %d", len(exported))
	}
	fn := exported[0]
	if fn.Name.Name != "Run" {
		return fmt.Errorf("exported function must be named Run, found %s", fn.Name.Name)
	}
	if !isArgsParam(fn.Type.Params) {
		return fmt.Errorf("Run must take a single map[string]any argument")
	}
	if !isToolResults(fn.Type.Results) {
		return fmt.Errorf("Run must return (map[string]any, error)")
	}
	return nil
}

// validateModuleSource checks for an exported New factory with the
// func(map[string]any) (any, error) contract. Other exported helpers
// are allowed.
func validateModuleSource(code string) error {
	file, imports, err := parseUnit(code)
	if err != nil {
		return err
	}
	if err := loader.ValidateImports(imports); err != nil {
		return err
	}

	for _, decl := range file.Decls {
		fn, ok := decl.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Name.Name != "New" {
			continue
		}
		if !isArgsParam(fn.Type.Params) {
			return fmt.Errorf("New must take a single map[string]any argument")
		}
		if !isFactoryResults(fn.Type.Results) {
			return fmt.Errorf("New must return (any, error)")
		}
		return nil
	}
	return fmt.Errorf("module must export a New factory")
}

func parseUnit(code string) (*ast.File, []string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "unit.go", code, parser.ParseComments)
	if err != nil {
		return nil, nil, fmt.Errorf("syntax error: %w", err)
	}
	imports := make([]string, 0, len(file.Imports))
	for _, imp := range file.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, `"`))
	}
	return file, imports, nil
}

func isArgsParam(params *ast.FieldList) bool {
	if params == nil || len(params.List) != 1 {
		return false
	}
	return len(params.List[0].Names) <= 1 && isStringAnyMap(params.List[0].Type)
}

func isToolResults(results *ast.FieldList) bool {
	if results == nil || len(results.List) != 2 {
		return false
	}
	return isStringAnyMap(results.List[0].Type) && isErrorType(results.List[1].Type)
}

func isFactoryResults(results *ast.FieldList) bool {
	if results == nil || len(results.List) != 2 {
		return false
	}
	return isAnyType(results.List[0].Type) && isErrorType(results.List[1].Type)
}

func isStringAnyMap(expr ast.Expr) bool {
	m, ok := expr.(*ast.MapType)
	if !ok {
		return false
	}
	key, ok := m.Key.(*ast.Ident)
	if !ok || key.Name != "string" {
		return false
	}
	return isAnyType(m.Value)
}

func isAnyType(expr ast.Expr) bool {
	if ident, ok := expr.(*ast.Ident); ok {
		return ident.Name == "any"
	}
	if iface, ok := expr.(*ast.InterfaceType); ok {
		return iface.Methods == nil || len(iface.Methods.List) == 0
	}
	return false
}

func isErrorType(expr ast.Expr) bool {
	ident, ok := expr.(*ast.Ident)
	return ok && ident.Name == "error"
}
