// Package output provides the console printer used by the perfharness
// commands. Styling is applied only when stdout is a color terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Mode defines different output modes the printer can operate in.
type Mode int

const (
	// ModeAuto styles output only when the writer is a color terminal
	ModeAuto Mode = iota

	// ModeStyled forces styled output
	ModeStyled

	// ModePlain forces plain text output
	ModePlain
)

// SemanticType defines the semantic meaning of output for consistent styling.
type SemanticType string

// Semantic types.
const (
	SemanticPlain   SemanticType = "plain"
	SemanticInfo    SemanticType = "info"
	SemanticSuccess SemanticType = "success"
	SemanticWarning SemanticType = "warning"
	SemanticError   SemanticType = "error"
	SemanticBold    SemanticType = "bold"
)

var plainPrefixes = map[SemanticType]string{
	SemanticInfo:    "ℹ ",
	SemanticSuccess: "✓ ",
	SemanticWarning: "⚠ ",
	SemanticError:   "✗ ",
}

var styles = map[SemanticType]lipgloss.Style{
	SemanticInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
	SemanticSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	SemanticWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	SemanticError:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	SemanticBold:    lipgloss.NewStyle().Bold(true),
}

// Printer writes human-readable command output.
type Printer struct {
	writer io.Writer
	mode   Mode

	mu sync.Mutex
}

// NewPrinter creates a new Printer with the given options.
// By default, it writes to os.Stdout with automatic mode detection.
func NewPrinter(options ...Option) *Printer {
	p := &Printer{
		writer: os.Stdout,
		mode:   ModeAuto,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.mode == ModeAuto {
		p.mode = detectMode(p.writer)
	}
	return p
}

// detectMode styles only color terminals; files, pipes and buffers get
// plain text.
func detectMode(w io.Writer) Mode {
	if termenv.NewOutput(w).ColorProfile() == termenv.Ascii {
		return ModePlain
	}
	return ModeStyled
}

// Printf outputs formatted text without any semantic styling.
func (p *Printer) Printf(format string, args ...interface{}) {
	p.output(SemanticPlain, fmt.Sprintf(format, args...), false)
}

// Println outputs text with a newline without any semantic styling.
func (p *Printer) Println(text string) {
	p.output(SemanticPlain, text, true)
}

// Info outputs informational text with info styling.
func (p *Printer) Info(text string) {
	p.output(SemanticInfo, text, true)
}

// Success outputs success text with success styling (typically green).
func (p *Printer) Success(text string) {
	p.output(SemanticSuccess, text, true)
}

// Warning outputs warning text with warning styling (typically yellow).
func (p *Printer) Warning(text string) {
	p.output(SemanticWarning, text, true)
}

// Error outputs error text with error styling (typically red).
func (p *Printer) Error(text string) {
	p.output(SemanticError, text, true)
}

// Bold outputs a heading line.
func (p *Printer) Bold(text string) {
	p.output(SemanticBold, text, true)
}

// Markdown renders a markdown document. Styled printers render it with
// glamour; plain printers emit the source unchanged.
func (p *Printer) Markdown(markdown string) error {
	if p.mode != ModeStyled {
		p.output(SemanticPlain, markdown, true)
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(120),
	)
	if err != nil {
		return fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	rendered, err := renderer.Render(markdown)
	if err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}
	p.output(SemanticPlain, rendered, true)
	return nil
}

// output is the core output method that handles all rendering logic.
func (p *Printer) output(semantic SemanticType, text string, addNewline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result string
	if p.mode == ModeStyled {
		if style, ok := styles[semantic]; ok {
			result = style.Render(text)
		} else {
			result = text
		}
	} else {
		result = plainPrefixes[semantic] + text
	}
	if addNewline && !strings.HasSuffix(result, "\n") {
		result += "\n"
	}

	_, _ = fmt.Fprint(p.writer, result) // Ignore write errors for output operations
}
