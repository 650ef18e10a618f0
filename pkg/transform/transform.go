// Package transform provides the Transformer collaborator the HMR engine
// calls on every changed file: it extracts the module's import
// specifiers and export names without lowering the source itself, since
// bundling and real ESM emission are out of scope for this engine.
package transform

import (
	"path"
	"regexp"
	"strings"
)

// Result is what a Transformer produces for one file.
type Result struct {
	Code    string
	Deps    []string
	Exports []string
}

// Transformer turns a file's raw source into transformed code plus its
// static dependency and export lists. Implementations must be
// deterministic: identical (file, code, hmrEnabled) always yields an
// identical Result.
type Transformer interface {
	Transform(file string, code []byte, hmrEnabled bool) (Result, error)
}

var (
	importRegex = regexp.MustCompile(`import\s+(?:[\w*{}\s,]+\s+from\s+)?['"]([^'"]+)['"]`)
	exportRegex = regexp.MustCompile(`export\s+(?:default\s+)?(?:const|let|var|function\*?|class|async\s+function)\s+(\w+)`)
	exportNamed = regexp.MustCompile(`export\s*\{\s*([^}]+)\s*\}`)
)

// RegexTransformer is a regex/token-based default Transformer, the
// single authority this engine uses for a module's dependency list. It
// does not parse a full AST; it matches regular expressions for
// import/export statement shapes against the whole source, with the
// simplicity (and the limitations) of a pattern scanner rather than a
// real ESM lowering pass.
type RegexTransformer struct{}

func NewRegexTransformer() *RegexTransformer { return &RegexTransformer{} }

func (t *RegexTransformer) Transform(file string, code []byte, hmrEnabled bool) (Result, error) {
	src := string(code)

	var deps []string
	for _, m := range importRegex.FindAllStringSubmatch(src, -1) {
		spec := m[1]
		deps = append(deps, resolveSpecifier(file, spec))
	}

	var exports []string
	for _, m := range exportRegex.FindAllStringSubmatch(src, -1) {
		exports = append(exports, m[1])
	}
	for _, m := range exportNamed.FindAllStringSubmatch(src, -1) {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if idx := strings.Index(name, " as "); idx >= 0 {
				name = strings.TrimSpace(name[idx+4:])
			}
			exports = append(exports, name)
		}
	}

	return Result{Code: src, Deps: dedupe(deps), Exports: dedupe(exports)}, nil
}

// resolveSpecifier turns a raw import specifier into a project-relative
// ModuleId, resolving relative specifiers against the importing file's
// own directory. Bare specifiers (package imports) are returned
// unresolved — they don't name a file in the project and the graph
// records them as a placeholder node when the importing module is added.
func resolveSpecifier(fromFile, spec string) string {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return spec
	}
	dir := path.Dir(fromFile)
	resolved := path.Clean(path.Join(dir, spec))
	return resolved
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
