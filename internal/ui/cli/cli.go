// Package cli renders game positions and search summaries for the terminal.
// The scheduler uses it to display actor 0's game on stderr; the console
// mode uses it for interactive play.
package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	boardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	infoStyle = lipgloss.NewStyle().
			Faint(true)
)

// Printer serializes rendered output onto a single writer.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter builds a printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// PrintGame renders a board with its search summary underneath.
func (p *Printer) PrintGame(board, searchInfo string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, boardStyle.Render(board))
	if searchInfo != "" {
		fmt.Fprintln(p.out, infoStyle.Render(searchInfo))
	}
}

// PrintBoard renders just the board.
func (p *Printer) PrintBoard(board string) {
	p.PrintGame(board, "")
}
