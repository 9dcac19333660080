package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// columnGap separates columns.
const columnGap = 2

// Table prints column-aligned rows. Rows are buffered until Flush, which
// sizes the columns to their content, narrows the widest ones to fit the
// terminal and wraps cells that no longer fit. Empty tables print nothing.
type Table struct {
	w       io.Writer
	width   int // terminal width; 0 means unbounded
	headers []string
	rows    [][]string
	prefix  string
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{
		w:       os.Stdout,
		width:   terminalWidth(os.Stdout),
		headers: headers,
	}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds a row. Missing trailing cells are empty.
func (t *Table) Row(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Flush prints the buffered rows. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visualLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, visualLen(t.prefix))
	}

	t.line(t.headers, widths)
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.line(dividers, widths)

	for _, row := range t.rows {
		wrapped := make([][]string, len(row))
		height := 1
		for i, cell := range row {
			wrapped[i] = wrapCell(cell, widths[i])
			if len(wrapped[i]) > height {
				height = len(wrapped[i])
			}
		}
		for l := 0; l < height; l++ {
			cells := make([]string, len(row))
			for i := range row {
				if l < len(wrapped[i]) {
					cells[i] = wrapped[i][l]
				}
			}
			t.line(cells, widths)
		}
	}
	t.rows = nil
}

func (t *Table) line(cells []string, widths []int) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, c := range cells {
		b.WriteString(c)
		if i < len(cells)-1 {
			b.WriteString(strings.Repeat(" ", widths[i]-visualLen(c)+columnGap))
		}
	}
	fmt.Fprintln(t.w, strings.TrimRight(b.String(), " "))
}

func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// capWidths narrows the widest columns, one character at a time, until the
// table fits in termWidth. No column gets narrower than its header; if the
// headers alone do not fit, the result exceeds termWidth.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	total := prefix + columnGap*(len(out)-1)
	for _, w := range out {
		total += w
	}
	for total > termWidth {
		widest := -1
		for i, w := range out {
			if w > visualLen(headers[i]) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			break
		}
		out[widest]--
		total--
	}
	return out
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visualLen is the printed width of s: runes, not counting ANSI escapes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

// wrapCell splits s into lines of at most width runes, breaking at spaces
// and hard-breaking words longer than width. A cell that fits is returned
// unchanged; wrapped cells lose their ANSI escapes.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}

	var lines []string
	cur := ""
	flush := func() {
		if cur != "" {
			lines = append(lines, cur)
			cur = ""
		}
	}
	for _, word := range strings.Fields(ansiEscape.ReplaceAllString(s, "")) {
		runes := []rune(word)
		for len(runes) > width {
			flush()
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		if len(runes) == 0 {
			continue
		}
		word = string(runes)
		switch {
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+len(runes) <= width:
			cur += " " + word
		default:
			flush()
			cur = word
		}
	}
	flush()
	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
