package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Table is a plain-text table whose columns size to their widest cell.
// Cells may carry terminal colour codes.
type Table struct {
	headers []string
	rows    [][]string
	// Empty is printed instead of the table when there are no rows.
	Empty string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers, Empty: "No data to display"}
}

// AddRow appends a row; missing trailing cells render blank.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render(w io.Writer) {
	if len(t.rows) == 0 {
		fmt.Fprintln(w, t.Empty)
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = displayWidth(h)
	}
	for _, row := range t.rows {
		for i := range widths {
			if i < len(row) && displayWidth(row[i]) > widths[i] {
				widths[i] = displayWidth(row[i])
			}
		}
	}

	t.renderLine(w, t.headers, widths)
	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}
	t.renderLine(w, rule, widths)
	for _, row := range t.rows {
		t.renderLine(w, row, widths)
	}
}

func (t *Table) renderLine(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(widths))
	for i, n := range widths {
		var cell string
		if i < len(cells) {
			cell = cells[i]
		}
		parts[i] = pad(cell, n)
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}

func stripANSI(s string) string { return ansiEscape.ReplaceAllString(s, "") }

func displayWidth(s string) int { return utf8.RuneCountInString(stripANSI(s)) }

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
