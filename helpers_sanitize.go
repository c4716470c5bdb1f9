// inlinecomplete/helpers_sanitize.go
// Turns raw model output into a minimal, insertable code fragment.
package inlinecomplete

import (
	"regexp"
	"strings"
)

// =============================================================================
// Response Sanitizer
// =============================================================================

var (
	thinkBlockRe        = regexp.MustCompile(`(?is)<think(?:ing)?>.*?</think(?:ing)?>`)
	thinkOrphanCloseRe  = regexp.MustCompile(`(?is)^.*</think(?:ing)?>`)
	thinkUnterminatedRe = regexp.MustCompile(`(?is)<think(?:ing)?>.*$`)
	fencedBlockRe       = regexp.MustCompile("(?s)```[^\\n`]*\\n(.*?)```")
	fenceLineRe         = regexp.MustCompile("^\\s*(?:```|~~~)")
	prosePreambleRe     = regexp.MustCompile(`(?i)^(?:here(?:'s| is| are)|sure\b|certainly\b|below\b|the (?:completion|code|completed)\b).*:\s*$`)
	proseSentenceRe     = regexp.MustCompile(`^[A-Z][a-z']*(?: +[A-Za-z][\w',-]*){2,}[.!]$`)
)

// codeLine is a cleaned line: indentation relative to the fragment plus its text.
type codeLine struct {
	rel  int
	text string
}

// CleanResponse strips reasoning blocks, markdown fences and prose from raw,
// re-indents the code to the base indentation of linePrefix and applies the
// cursor-specific fixup. Cleaning an already clean string returns it unchanged.
func CleanResponse(raw, linePrefix string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	text := stripReasoning(raw)
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	cue, quote := detectCursorCue(linePrefix)
	lines := dropNoise(relativeLines(text))
	if cue != cueInString {
		lines = dropTrailingProse(lines)
	}

	base := leadingWhitespace(linePrefix)
	switch cue {
	case cueInString:
		q := string(quote)
		// Dropping quotes can join a reasoning tag back together.
		for i := range lines {
			lines[i].text = stripReasoning(strings.ReplaceAll(lines[i].text, q, ""))
		}
	case cueOpenBrace:
		lines = indentBlockBody(lines, indentUnitWidth(base))
	case cueAfterAssign:
		for len(lines) > 0 {
			last := &lines[len(lines)-1]
			last.text = strings.TrimRight(last.text, "; \t")
			if last.text != "" {
				break
			}
			lines = lines[:len(lines)-1]
		}
	}

	lines = dropNoise(resplitIndent(lines))
	return renderLines(lines, base)
}

// stripReasoning removes reasoning blocks. A closer without an opener means
// the opener was part of the prompt, so everything up to the last one goes.
func stripReasoning(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	s = thinkOrphanCloseRe.ReplaceAllString(s, "")
	return thinkUnterminatedRe.ReplaceAllString(s, "")
}

// relativeLines splits text and expresses each line's indentation relative
// to the shallowest non-blank line.
func relativeLines(text string) []codeLine {
	raw := strings.Split(text, "\n")
	minIndent := -1
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if w := indentWidth(l); minIndent < 0 || w < minIndent {
			minIndent = w
		}
	}
	lines := make([]codeLine, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, " \t\r")
		lines = append(lines, codeLine{
			rel:  max(0, indentWidth(l)-max(0, minIndent)),
			text: strings.TrimLeft(l, " \t"),
		})
	}
	return lines
}

// dropNoise removes blank lines, fence markers and prose preambles.
func dropNoise(lines []codeLine) []codeLine {
	kept := lines[:0]
	for _, l := range lines {
		if l.text == "" || fenceLineRe.MatchString(l.text) || prosePreambleRe.MatchString(l.text) {
			continue
		}
		kept = append(kept, l)
	}
	return kept
}

// dropTrailingProse removes sentences after the code that explain it.
// The first line is always kept.
func dropTrailingProse(lines []codeLine) []codeLine {
	for len(lines) > 1 && proseSentenceRe.MatchString(lines[len(lines)-1].text) {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// indentBlockBody makes every line after the first sit at least one unit
// deeper than the first line. Lines opening with a closing bracket stay put.
func indentBlockBody(lines []codeLine, unit int) []codeLine {
	if len(lines) < 2 {
		return lines
	}
	minRest := -1
	for _, l := range lines[1:] {
		if isCloser(l.text) {
			continue
		}
		if minRest < 0 || l.rel < minRest {
			minRest = l.rel
		}
	}
	if minRest < 0 {
		return lines
	}
	if shift := lines[0].rel + unit - minRest; shift > 0 {
		for i := 1; i < len(lines); i++ {
			if !isCloser(lines[i].text) {
				lines[i].rel += shift
			}
		}
	}
	return lines
}

func isCloser(text string) bool {
	return text != "" && strings.ContainsAny(text[:1], "})]")
}

// indentUnitWidth picks the width of one indentation level for base.
func indentUnitWidth(base string) int {
	if !strings.Contains(base, "\t") && indentWidth(base)%4 == 2 {
		return 2
	}
	return 4
}

// resplitIndent moves whitespace exposed by a transform back into the
// relative indent and trims trailing whitespace.
func resplitIndent(lines []codeLine) []codeLine {
	for i := range lines {
		text := strings.TrimRight(lines[i].text, " \t")
		ws := leadingWhitespace(text)
		lines[i].rel += indentWidth(ws)
		lines[i].text = text[len(ws):]
	}
	return lines
}

// renderLines normalizes relative indentation to start at zero and prefixes
// every line with base. Relative indent uses tabs when base does.
func renderLines(lines []codeLine, base string) string {
	if len(lines) == 0 {
		return ""
	}
	minRel := lines[0].rel
	for _, l := range lines[1:] {
		minRel = min(minRel, l.rel)
	}
	useTabs := strings.Contains(base, "\t")
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		rel := l.rel - minRel
		b.WriteString(base)
		if useTabs {
			b.WriteString(strings.Repeat("\t", rel/4))
			rel %= 4
		}
		b.WriteString(strings.Repeat(" ", rel))
		b.WriteString(l.text)
	}
	return b.String()
}

// =============================================================================
// Prefix Overlap
// =============================================================================

// GetUniqueCompletion removes text the user already typed from candidate.
// ok is false when nothing is left to insert.
func GetUniqueCompletion(candidate, linePrefix string) (string, bool) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return "", false
	}
	prefix := strings.TrimSpace(linePrefix)
	if rest, found := strings.CutPrefix(trimmed, prefix); found {
		rest = strings.TrimSpace(rest)
		return rest, rest != ""
	}
	return candidate, true
}

// insertionText is the fragment as inserted at the cursor: the first line
// loses the indentation already present on the cursor line.
func insertionText(completion string) string {
	first, rest, multi := strings.Cut(completion, "\n")
	first = strings.TrimLeft(first, " \t")
	if multi {
		return first + "\n" + rest
	}
	return first
}
