// inlinecomplete/helpers_context.go
// Pure text scanning that turns a document and cursor into a DocumentContext.
package inlinecomplete

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Context Extraction
// =============================================================================

const (
	enclosingLeadLines = 5  // Lines kept above the enclosing declaration.
	scopeScanLines     = 30 // Lines scanned upward for declared identifiers.
)

var (
	importLineRe  = regexp.MustCompile(`^(?:import|from|using|#include|require)\b|^(?:const|let|var)\s+[\w${}\s,]+=\s*require\(`)
	declLineRe    = regexp.MustCompile(`^(?:export\s+(?:default\s+)?)?(?:async\s+)?(?:class|function|const|let|var|interface|type)\b`)
	identRe       = regexp.MustCompile(`^[A-Za-z_$][\w$]*$`)
	varDeclRe     = regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][\w$]*)`)
	destructureRe = regexp.MustCompile(`\b(?:const|let|var)\s+[{\[]([^}\]]*)[}\]]`)
	shortVarRe    = regexp.MustCompile(`([A-Za-z_]\w*(?:\s*,\s*[A-Za-z_]\w*)*)\s*:=`)
	paramListRes  = []*regexp.Regexp{
		regexp.MustCompile(`\bfunction\b\s*\*?\s*[\w$]*\s*\(([^)]*)\)`),
		regexp.MustCompile(`\bfunc\b\s*(?:\([^)]*\)\s*)?\w*\s*\(([^)]*)\)`),
		regexp.MustCompile(`\bdef\s+\w+\s*\(([^)]*)\)`),
		regexp.MustCompile(`\(([^()]*)\)\s*(?::\s*[^=]+)?=>`),
	}
	bareArrowParamRe = regexp.MustCompile(`([A-Za-z_$][\w$]*)\s*=>`)
)

// ambientIdentifiers lists names that are always in scope for a language.
func ambientIdentifiers(language string) []string {
	switch strings.ToLower(language) {
	case "python":
		return []string{"self"}
	case "go", "rust", "c", "cpp", "java", "csharp":
		return nil
	default:
		return []string{"this", "window", "document", "console"}
	}
}

// ExtractContext derives the prompt context for a cursor in doc.
// line is 0-based, col is a byte offset into the line; both are clamped.
// It has no side effects and is deterministic for identical input.
func ExtractContext(doc DocumentView, line, col int) DocumentContext {
	lineCount := doc.LineCount()
	if lineCount <= 0 {
		return DocumentContext{Language: doc.LanguageID(), Fingerprint: Fingerprint("")}
	}
	line = max(0, min(line, lineCount-1))
	current := doc.LineAt(line)
	col = clampColumn(current, col)

	linePrefix := current[:col]
	prevLine := ""
	if line > 0 {
		prevLine = doc.LineAt(line - 1)
	}

	boundary := findEnclosingBoundary(doc, line)
	start := max(0, boundary-enclosingLeadLines)
	enclosing := make([]string, 0, line-start+1)
	for i := start; i <= line; i++ {
		enclosing = append(enclosing, doc.LineAt(i))
	}
	enclosingText := strings.Join(enclosing, "\n")

	return DocumentContext{
		ImportsText:        collectImports(doc),
		EnclosingBlockText: enclosingText,
		LinePrefix:         linePrefix,
		PrevLineText:       prevLine,
		Language:           doc.LanguageID(),
		ScopeVariableNames: collectScopeVariables(doc, line, linePrefix),
		Fingerprint:        Fingerprint(enclosingText),
		CursorLine:         line,
		BoundaryLine:       boundary,
	}
}

// clampColumn bounds col to the line and moves it back onto a rune start.
func clampColumn(line string, col int) int {
	col = max(0, min(col, len(line)))
	for col > 0 && col < len(line) && !utf8.RuneStart(line[col]) {
		col--
	}
	return col
}

func collectImports(doc DocumentView) string {
	var imports []string
	for i := 0; i < doc.LineCount(); i++ {
		trimmed := strings.TrimSpace(doc.LineAt(i))
		if importLineRe.MatchString(trimmed) {
			imports = append(imports, trimmed)
		}
	}
	return strings.Join(imports, "\n")
}

// findEnclosingBoundary scans upward from line tracking brace depth and stops
// at the first depth-zero declaration line, or at the document start.
func findEnclosingBoundary(doc DocumentView, line int) int {
	depth := 0
	for i := line; i >= 0; i-- {
		text := doc.LineAt(i)
		depth += strings.Count(text, "{") - strings.Count(text, "}")
		if depth == 0 && declLineRe.MatchString(strings.TrimSpace(text)) {
			return i
		}
	}
	return 0
}

// collectScopeVariables gathers declared identifiers from the lines above
// the cursor plus the typed prefix, then appends the ambient set.
func collectScopeVariables(doc DocumentView, line int, linePrefix string) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if !identRe.MatchString(name) {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for i := max(0, line-scopeScanLines); i <= line; i++ {
		text := doc.LineAt(i)
		if i == line {
			text = linePrefix
		}
		for _, m := range varDeclRe.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
		for _, m := range destructureRe.FindAllStringSubmatch(text, -1) {
			for _, part := range strings.Split(m[1], ",") {
				// {a: alias} binds alias; {a = 1} binds a.
				if _, alias, ok := strings.Cut(part, ":"); ok {
					part = alias
				}
				part, _, _ = strings.Cut(part, "=")
				add(strings.TrimPrefix(strings.TrimSpace(part), "..."))
			}
		}
		for _, m := range shortVarRe.FindAllStringSubmatch(text, -1) {
			for _, name := range strings.Split(m[1], ",") {
				add(name)
			}
		}
		for _, re := range paramListRes {
			for _, m := range re.FindAllStringSubmatch(text, -1) {
				for _, p := range splitParams(m[1]) {
					add(p)
				}
			}
		}
		for _, m := range bareArrowParamRe.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	}

	for _, name := range ambientIdentifiers(doc.LanguageID()) {
		add(name)
	}
	return names
}

// splitParams extracts parameter names from a parameter list, dropping
// rest markers, defaults, type annotations and destructuring patterns.
func splitParams(list string) []string {
	var out []string
	for _, p := range splitTopLevel(list) {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(p, "...")
		p = strings.TrimPrefix(p, "*")
		if p == "" || strings.ContainsAny(p[:1], "{[") {
			continue
		}
		p, _, _ = strings.Cut(p, "=")
		p, _, _ = strings.Cut(p, ":")
		p = strings.TrimSuffix(strings.TrimSpace(p), "?")
		if fields := strings.Fields(p); len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// splitTopLevel splits list on commas that are not nested in brackets.
func splitTopLevel(list string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth = max(0, depth-1)
		case ',':
			if depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, list[start:])
}

// =============================================================================
// Fingerprint & Cache Key
// =============================================================================

// Fingerprint is a polynomial rolling hash (base 31) of text, rendered in base 36.
// Collisions only cost a cache miss.
func Fingerprint(text string) string {
	var h uint32
	for _, r := range text {
		h = h*31 + uint32(r)
	}
	return strconv.FormatUint(uint64(h), 36)
}

// CacheKey combines the fingerprint, cursor position and typed prefix into a
// completion cache key.
func CacheKey(fingerprint string, line, col int, linePrefix string) string {
	return fmt.Sprintf("%s:%d:%d:%016x", fingerprint, line, col, xxhash.Sum64String(linePrefix))
}
