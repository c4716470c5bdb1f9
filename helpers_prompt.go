// inlinecomplete/helpers_prompt.go
// Builds the model instruction from extracted context and cursor cues.
package inlinecomplete

import (
	"fmt"
	stdslog "log/slog"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// Cursor Cues
// =============================================================================

// cursorCue is the syntactic situation right before the cursor. The prompt
// builder and the sanitizer both branch on it, so they stay in agreement.
type cursorCue int

const (
	cueNone cursorCue = iota
	cueInString
	cueOpenBrace
	cueAfterAssign
)

// detectCursorCue classifies linePrefix. The first matching case wins:
// unterminated string, then open brace, then assignment.
// For cueInString the opening quote character is also returned.
func detectCursorCue(linePrefix string) (cursorCue, rune) {
	if quote := openQuote(linePrefix); quote != 0 {
		return cueInString, quote
	}
	trimmed := strings.TrimRight(linePrefix, " \t")
	if strings.HasSuffix(trimmed, "{") {
		return cueOpenBrace, 0
	}
	if isAssignmentTail(trimmed) {
		return cueAfterAssign, 0
	}
	return cueNone, 0
}

// openQuote returns the quote that opens an unterminated string literal in
// line, or 0. Escapes are honoured and a // comment ends the scan.
func openQuote(line string) rune {
	var quote rune
	escaped := false
	for i, r := range line {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '/':
			if strings.HasPrefix(line[i:], "//") {
				return 0
			}
		}
	}
	return quote
}

// isAssignmentTail reports whether s ends in an assignment operator
// (=, :=, +=, ...) rather than a comparison.
func isAssignmentTail(s string) bool {
	if !strings.HasSuffix(s, "=") {
		return false
	}
	if len(s) == 1 {
		return true
	}
	switch s[len(s)-2] {
	case '=', '!', '<', '>':
		return false
	}
	return true
}

// indentWidth measures leading whitespace, counting a tab as four columns.
func indentWidth(s string) int {
	width := 0
	for _, r := range s {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// =============================================================================
// Prompt Builder
// =============================================================================

const promptTemplate = `Complete the %s code at the cursor.

Current line up to the cursor (literal): %q
Previous line (literal): %q
Indentation of the current line: %d spaces
Variables in scope: %s

Context:
%s

Output format: respond with raw code only, exactly the text to insert at the cursor. Do not write prose or explanations. Do not use markdown code fences. Do not add meta-commentary. Do not emit <think> blocks or any other hidden reasoning.`

const systemPrompt = "You are an inline code completion engine inside a text editor. You only ever answer with code to insert."

var cueClauses = map[cursorCue]string{
	cueInString:    "The cursor is inside an unterminated string literal: return only string content.",
	cueOpenBrace:   "The cursor is immediately inside an open brace: return one indented statement.",
	cueAfterAssign: "The cursor is immediately after an assignment operator: return a value expression.",
}

// BuildPrompt renders the instruction for one completion. docCtx supplies the
// imports, enclosing block and scope variables. At most one cursor clause is
// appended.
func BuildPrompt(docCtx DocumentContext, linePrefix, prevLineText, language string) string {
	if language == "" {
		language = "source"
	}
	vars := "none"
	if len(docCtx.ScopeVariableNames) > 0 {
		vars = strings.Join(docCtx.ScopeVariableNames, ", ")
	}
	contextText := docCtx.EnclosingBlockText
	if docCtx.ImportsText != "" {
		contextText = docCtx.ImportsText + "\n\n" + contextText
	}

	prompt := fmt.Sprintf(promptTemplate, language, linePrefix, prevLineText, indentWidth(linePrefix), vars, contextText)
	if cue, _ := detectCursorCue(linePrefix); cue != cueNone {
		prompt += "\n" + cueClauses[cue]
	}
	return prompt
}

// --- Default Prompt Formatter ---

// templateFormatter implements PromptFormatter, producing a system and a user message.
type templateFormatter struct{}

// newTemplateFormatter creates a new instance of the default formatter.
func newTemplateFormatter() *templateFormatter { return &templateFormatter{} }

// FormatMessages builds the chat messages for docCtx. The enclosing block is
// truncated from the front so the user prompt stays within MaxContextLen bytes.
func (f *templateFormatter) FormatMessages(docCtx DocumentContext, config Config, logger *stdslog.Logger) []Message {
	if logger == nil {
		logger = stdslog.Default()
	}
	prompt := BuildPrompt(docCtx, docCtx.LinePrefix, docCtx.PrevLineText, docCtx.Language)
	if over := len(prompt) - config.MaxContextLen; over > 0 && config.MaxContextLen > 0 {
		budget := max(0, len(docCtx.EnclosingBlockText)-over)
		logger.Warn("Truncating enclosing context", "original_length", len(docCtx.EnclosingBlockText), "max_length", budget)
		trimmed := docCtx
		trimmed.EnclosingBlockText = truncateHead(docCtx.EnclosingBlockText, budget, "... (context truncated)\n")
		if len(trimmed.ImportsText) > config.MaxContextLen/4 {
			trimmed.ImportsText = truncateHead(trimmed.ImportsText, config.MaxContextLen/4, "... (imports truncated)\n")
		}
		prompt = BuildPrompt(trimmed, trimmed.LinePrefix, trimmed.PrevLineText, trimmed.Language)
	}
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
}

// truncateHead keeps the tail of s within maxLen bytes, prefixing marker
// when it fits. The cut is moved forward to a rune boundary.
func truncateHead(s string, maxLen int, marker string) string {
	if len(s) <= maxLen {
		return s
	}
	startByte := len(s) - maxLen + len(marker)
	withMarker := true
	if startByte < 0 || startByte > len(s) || len(marker) > maxLen {
		startByte = len(s) - maxLen
		withMarker = false
	}
	for startByte < len(s) && !utf8.RuneStart(s[startByte]) {
		startByte++
	}
	if withMarker {
		return marker + s[startByte:]
	}
	return s[startByte:]
}
