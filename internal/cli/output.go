package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

const defaultTermWidth = 120

// printer writes command output in either human or JSON form.
type printer struct {
	w     io.Writer
	json  bool
	color bool
	width int
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w, json: jsonOutput, width: defaultTermWidth}
	f, isFile := w.(*os.File)
	if isFile && isatty.IsTerminal(f.Fd()) {
		p.color = !noColor && os.Getenv("NO_COLOR") == ""
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			p.width = width
		}
	}
	return p
}

// JSON writes v indented.
func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table returns a table sized to the terminal.
func (p *printer) Table(headers ...string) *StyledTable {
	return NewStyledTable(headers...).
		WithColor(p.color).
		WithMaxCellWidth(max(p.width/2, 24))
}

func (p *printer) Print(s string) {
	fmt.Fprint(p.w, s)
}

func (p *printer) paint(c lipgloss.Color, s string) string {
	if !p.color {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func (p *printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(colorSuccess, "✓ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Failure(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(colorError, "✗ "+fmt.Sprintf(format, args...)))
}

func (p *printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(colorWarning, "⚠ "+fmt.Sprintf(format, args...)))
}

// KeyValue renders an aligned key/value line.
func (p *printer) KeyValue(key, value string, keyWidth int) {
	k := fmt.Sprintf("%-*s", keyWidth, key+":")
	fmt.Fprintln(p.w, p.paint(colorSubtext, k)+" "+value)
}
