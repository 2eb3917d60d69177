package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// TabbedStringBuilder is a wrapper around a *tabwriter.Writer that allows for efficiently building
// tab-aligned strings.
// The underlying writer is always a strings.Builder, which never returns errors, so callers
// don't need to consider error handling.
type TabbedStringBuilder struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

// NewTabbedStringBuilder creates a new TabbedStringBuilder.  All parameters are equivalent to those defined in tabwriter.NewWriter
func NewTabbedStringBuilder(minwidth, tabwidth, padding int, padchar byte, flags uint) *TabbedStringBuilder {
	sb := &strings.Builder{}
	return &TabbedStringBuilder{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, minwidth, tabwidth, padding, padchar, flags),
	}
}

// Writef formats according to a format specifier and writes to the underlying writer
func (t *TabbedStringBuilder) Writef(format string, a ...any) {
	_, _ = fmt.Fprintf(t.writer, format, a...)
}

// String returns the accumulated string.
// Flush on the underlying writer is automatically called
func (t *TabbedStringBuilder) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}
