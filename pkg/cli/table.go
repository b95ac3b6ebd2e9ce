package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Table writes column-aligned rows. Headers and a dash divider are written
// on the first Row, so a table without rows prints nothing.
type Table struct {
	w       *tabwriter.Writer
	headers []string
	written bool
	rows    int
}

// NewTable creates a table on stdout.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table on out.
func NewTableTo(out io.Writer, headers ...string) *Table {
	return &Table{
		w:       tabwriter.NewWriter(out, 0, 0, 2, ' ', 0),
		headers: headers,
	}
}

// Row writes one row. Missing trailing cells are left blank.
func (t *Table) Row(values ...string) {
	if !t.written {
		t.written = true
		fmt.Fprintln(t.w, strings.Join(t.headers, "\t"))
		dividers := make([]string, len(t.headers))
		for i, h := range t.headers {
			dividers[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(t.w, strings.Join(dividers, "\t"))
	}
	for len(values) < len(t.headers) {
		values = append(values, "")
	}
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
	t.rows++
}

// Len returns the number of rows written.
func (t *Table) Len() int { return t.rows }

// Flush writes buffered output.
func (t *Table) Flush() error {
	if !t.written {
		return nil
	}
	return t.w.Flush()
}
