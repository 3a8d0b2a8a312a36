package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/truncate"
)

// TableStyle defines the visual style of a table
type TableStyle int

const (
	// TableStyleRounded uses rounded box-drawing corners
	TableStyleRounded TableStyle = iota
	// TableStyleSimple uses simple line separators
	TableStyleSimple
	// TableStyleMinimal draws only the header rule
	TableStyleMinimal
)

// Palette used when color is enabled.
var (
	colorBorder  = lipgloss.Color("#585b70")
	colorHeader  = lipgloss.Color("#89b4fa")
	colorText    = lipgloss.Color("#cdd6f4")
	colorSubtext = lipgloss.Color("#a6adc8")
	colorSuccess = lipgloss.Color("#a6e3a1")
	colorError   = lipgloss.Color("#f38ba8")
	colorWarning = lipgloss.Color("#f9e2af")
)

const ellipsis = "…"

// StyledTable renders terminal tables with box-drawing borders.
type StyledTable struct {
	headers  []string
	rows     [][]string
	widths   []int
	maxCell  int
	style    TableStyle
	title    string
	footer   string
	colorize bool
}

// NewStyledTable creates a new styled table with headers
func NewStyledTable(headers ...string) *StyledTable {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runeWidth(h)
	}
	return &StyledTable{
		headers: headers,
		rows:    [][]string{},
		widths:  widths,
		style:   TableStyleRounded,
	}
}

// WithTitle adds a title to the table
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter adds a footer to the table
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// WithStyle sets the table style
func (t *StyledTable) WithStyle(style TableStyle) *StyledTable {
	t.style = style
	return t
}

// WithColor turns lipgloss styling on or off.
func (t *StyledTable) WithColor(on bool) *StyledTable {
	t.colorize = on
	return t
}

// WithMaxCellWidth truncates cells wider than n. Zero means unlimited.
// Call before AddRow.
func (t *StyledTable) WithMaxCellWidth(n int) *StyledTable {
	t.maxCell = n
	return t
}

// AddRow adds a row to the table
func (t *StyledTable) AddRow(cols ...string) {
	row := make([]string, len(cols))
	for i, c := range cols {
		c = strings.ReplaceAll(c, "\n", " ")
		if t.maxCell > 0 && runeWidth(c) > t.maxCell {
			c = truncate.StringWithTail(c, uint(t.maxCell), ellipsis)
		}
		row[i] = c
		if i < len(t.widths) {
			if w := runeWidth(c); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, row)
}

// RowCount returns the number of rows
func (t *StyledTable) RowCount() int {
	return len(t.rows)
}

type boxChars struct {
	topLeft, topRight, bottomLeft, bottomRight string
	horizontal, vertical                       string
	leftT, rightT, topT, bottomT, cross        string
}

func (s TableStyle) chars() boxChars {
	switch s {
	case TableStyleSimple:
		return boxChars{"┌", "┐", "└", "┘", "─", "│", "├", "┤", "┬", "┴", "┼"}
	case TableStyleMinimal:
		return boxChars{"", "", "", "", "─", " ", "", "", "─", "─", "─"}
	default:
		return boxChars{"╭", "╮", "╰", "╯", "─", "│", "├", "┤", "┬", "┴", "┼"}
	}
}

// Render returns the table as a string
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}

	b := t.style.chars()
	paint := func(c lipgloss.Color, bold bool) func(string) string {
		if !t.colorize {
			return func(s string) string { return s }
		}
		st := lipgloss.NewStyle().Foreground(c).Bold(bold)
		return func(s string) string { return st.Render(s) }
	}
	border := paint(colorBorder, false)
	header := paint(colorHeader, true)
	text := paint(colorText, false)
	subtext := paint(colorSubtext, false)

	var sb strings.Builder
	hline := func(left, mid, right string) {
		sb.WriteString(border(left))
		for i, w := range t.widths {
			sb.WriteString(border(strings.Repeat(b.horizontal, w+2)))
			if i < len(t.widths)-1 {
				sb.WriteString(border(mid))
			}
		}
		sb.WriteString(border(right))
		sb.WriteString("\n")
	}
	line := func(cells []string, style func(string) string) {
		sb.WriteString(border(b.vertical))
		for i := range t.headers {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			sb.WriteString(" ")
			sb.WriteString(style(padRight(cell, t.widths[i])))
			sb.WriteString(" ")
			sb.WriteString(border(b.vertical))
		}
		sb.WriteString("\n")
	}

	if t.title != "" {
		sb.WriteString(header(t.title))
		sb.WriteString("\n")
	}
	if t.style != TableStyleMinimal {
		hline(b.topLeft, b.topT, b.topRight)
	}
	line(t.headers, header)
	hline(b.leftT, b.cross, b.rightT)
	for _, row := range t.rows {
		line(row, text)
	}
	if t.style != TableStyleMinimal {
		hline(b.bottomLeft, b.bottomT, b.bottomRight)
	}
	if t.footer != "" {
		sb.WriteString(subtext(t.footer))
		sb.WriteString("\n")
	}
	return sb.String()
}

// String implements fmt.Stringer
func (t *StyledTable) String() string {
	return t.Render()
}

// runeWidth returns the display width of a string, ignoring ANSI escapes.
func runeWidth(s string) int {
	return runewidth.StringWidth(stripANSI(s))
}

// padRight pads a string to the specified width
func padRight(s string, width int) string {
	currentWidth := runeWidth(s)
	if currentWidth >= width {
		return s
	}
	return s + strings.Repeat(" ", width-currentWidth)
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
