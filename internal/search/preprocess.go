package search

import (
	"bufio"
	"regexp"
	"strings"
)

// PrepareMarkdown flattens markdown tables in extracted material text into
// standalone facts, one paragraph per row, and strips heading and list
// markers. Text without tables or markup is returned with its paragraphs
// intact.
func PrepareMarkdown(text string) string {
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	wroteBlank := true // avoids a leading blank line
	writeFact := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if !wroteBlank {
			b.WriteByte('\n')
		}
		b.WriteString(s)
		b.WriteString("\n\n")
		wroteBlank = true
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if !wroteBlank {
				b.WriteByte('\n')
				wroteBlank = true
			}
			continue
		}

		// table row: "| ... |"
		if strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") {
			cells := tableCells(line)
			if len(cells) > 0 {
				writeFact(strings.Join(cells, " "))
			}
			continue
		}

		if h := strings.TrimLeft(line, "#"); h != line {
			writeFact(h)
			continue
		}

		b.WriteString(stripListMarker(line))
		b.WriteByte('\n')
		wroteBlank = false
	}
	return strings.TrimRight(b.String(), "\n")
}

// tableCells returns the non-empty cells of a table row, or nil for a
// separator row such as "|---|:--:|".
func tableCells(line string) []string {
	cols := strings.Split(strings.Trim(line, "|"), "|")
	sep := true
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		cell := strings.TrimSpace(c)
		if cell != "" {
			out = append(out, cell)
		}
		if strings.Trim(cell, ":- ") != "" {
			sep = false
		}
	}
	if sep {
		return nil
	}
	return out
}

var listMarkerRE = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)

func stripListMarker(line string) string {
	return listMarkerRE.ReplaceAllString(line, "")
}

var paraSplitRE = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits text on blank lines and drops empty chunks.
func SplitParagraphs(text string) []string {
	chunks := paraSplitRE.Split(text, -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var sentenceEndRE = regexp.MustCompile(`([.!?])\s+`)

// Sentences splits a passage into sentences on terminal punctuation.
func Sentences(passage string) []string {
	marked := sentenceEndRE.ReplaceAllString(strings.TrimSpace(normalizeWhitespace(passage)), "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
