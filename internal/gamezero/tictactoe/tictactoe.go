// Package tictactoe is the reference Environment implementation. It is small
// enough to keep the whole capability surface honest and is the default game
// of the generated configuration, which makes it the environment every test
// in the repo searches on.
package tictactoe

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

const BoardSize = 3

func init() {
	gamezero.RegisterEnvironment("tictactoe", func(boardSize int) gamezero.Environment {
		return New()
	})
}

// Env is a tic-tac-toe game on a 3x3 board. Action IDs are cell indices in
// row-major order.
type Env struct {
	cells   [BoardSize * BoardSize]gamezero.Player
	turn    gamezero.Player
	history []gamezero.Action
}

var _ gamezero.Environment = (*Env)(nil)

func New() *Env {
	e := &Env{}
	e.Reset()
	return e
}

func (e *Env) Reset() {
	for i := range e.cells {
		e.cells[i] = gamezero.PlayerNone
	}
	e.turn = gamezero.Player1
	e.history = e.history[:0]
}

func (e *Env) Act(a gamezero.Action) bool {
	if !e.IsLegalAction(a) {
		return false
	}
	e.cells[a.ID] = a.Player
	e.turn = gamezero.NextPlayer(a.Player, e.NumPlayers())
	e.history = append(e.history, a)
	return true
}

func (e *Env) IsLegalAction(a gamezero.Action) bool {
	return a.ID >= 0 && a.ID < len(e.cells) &&
		a.Player == e.turn &&
		e.cells[a.ID] == gamezero.PlayerNone &&
		!e.IsTerminal()
}

func (e *Env) LegalActions() []gamezero.Action {
	if e.IsTerminal() {
		return nil
	}
	actions := make([]gamezero.Action, 0, len(e.cells))
	for id, owner := range e.cells {
		if owner == gamezero.PlayerNone {
			actions = append(actions, gamezero.Action{ID: id, Player: e.turn})
		}
	}
	return actions
}

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8}, // rows
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, // columns
	{0, 4, 8}, {2, 4, 6}, // diagonals
}

func (e *Env) winner() gamezero.Player {
	for _, line := range lines {
		owner := e.cells[line[0]]
		if owner != gamezero.PlayerNone && owner == e.cells[line[1]] && owner == e.cells[line[2]] {
			return owner
		}
	}
	return gamezero.PlayerNone
}

func (e *Env) IsTerminal() bool {
	if e.winner() != gamezero.PlayerNone {
		return true
	}
	for _, owner := range e.cells {
		if owner == gamezero.PlayerNone {
			return false
		}
	}
	return true
}

func (e *Env) Turn() gamezero.Player { return e.turn }

func (e *Env) NumPlayers() int { return 2 }

func (e *Env) EvalScore(resigned bool) float32 {
	if resigned {
		// The side to move resigned.
		if e.turn == gamezero.Player1 {
			return -1
		}
		return 1
	}
	switch e.winner() {
	case gamezero.Player1:
		return 1
	case gamezero.Player2:
		return -1
	}
	return 0
}

func (e *Env) Reward() float32 { return 0 }

func rotatedCell(id int, rotation gamezero.Rotation) int {
	return gamezero.RotatedIndex(id, BoardSize, rotation)
}

func (e *Env) Features(rotation gamezero.Rotation) []float32 {
	// Four planes: own stones, opponent stones, and two all-or-nothing
	// turn planes.
	numCells := len(e.cells)
	features := make([]float32, 4*numCells)
	for id, owner := range e.cells {
		target := rotatedCell(id, rotation)
		if owner == e.turn {
			features[target] = 1
		} else if owner != gamezero.PlayerNone {
			features[numCells+target] = 1
		}
	}
	turnPlane := 2
	if e.turn == gamezero.Player2 {
		turnPlane = 3
	}
	for i := 0; i < numCells; i++ {
		features[turnPlane*numCells+i] = 1
	}
	return features
}

func (e *Env) ActionFeatures(a gamezero.Action, rotation gamezero.Rotation) []float32 {
	features := make([]float32, len(e.cells))
	if a.IsValid() {
		features[rotatedCell(a.ID, rotation)] = 1
	}
	return features
}

func (e *Env) ActionHistory() []gamezero.Action { return e.history }

var columnNames = "abc"

func (e *Env) ActionString(a gamezero.Action) string {
	if !a.IsValid() {
		return "pass"
	}
	row, col := a.ID/BoardSize, a.ID%BoardSize
	return string(columnNames[col]) + string(rune('1'+row))
}

func (e *Env) ParseAction(s string) (gamezero.Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 {
		return gamezero.Action{}, errors.Errorf("invalid move %q", s)
	}
	col := strings.IndexByte(columnNames, s[0])
	row := int(s[1] - '1')
	if col < 0 || row < 0 || row >= BoardSize {
		return gamezero.Action{}, errors.Errorf("move %q is off the board", s)
	}
	return gamezero.Action{ID: row*BoardSize + col, Player: e.turn}, nil
}

func (e *Env) Clone() gamezero.Environment {
	clone := &Env{cells: e.cells, turn: e.turn}
	clone.history = append([]gamezero.Action(nil), e.history...)
	return clone
}

func (e *Env) Name() string { return "tictactoe" }

func (e *Env) String() string {
	var sb strings.Builder
	for row := 0; row < BoardSize; row++ {
		for col := 0; col < BoardSize; col++ {
			switch e.cells[row*BoardSize+col] {
			case gamezero.Player1:
				sb.WriteByte('O')
			case gamezero.Player2:
				sb.WriteByte('X')
			default:
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
