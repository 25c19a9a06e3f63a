package actor

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/zerofleet/zerofleet/internal/gamezero"
	"github.com/zerofleet/zerofleet/internal/generics"
)

// Record is the parsed form of a single-line game record:
//
//	(;GM[tictactoe]EV[weight_iter_3.pt]...;B[4]P[4:16,...]V[0.5]R[0];W[0]...)
//
// The header node carries GM (game name) first and the remaining tags in
// sorted order; each move node carries the player tag with the action ID and
// the policy/value/reward annotations. Serialization is canonical, so
// parse-then-serialize is byte-identical.
type Record struct {
	Game  string
	Tags  map[string]string
	Moves []MoveRecord
}

// MoveRecord is one played action plus its training annotations.
type MoveRecord struct {
	Player   gamezero.Player
	ActionID int
	Info     ActionInfo
}

// String serializes the record to its single-line form.
func (r *Record) String() string {
	var sb strings.Builder
	sb.WriteString("(;GM[")
	sb.WriteString(r.Game)
	sb.WriteByte(']')
	for key, value := range generics.SortedKeysAndValues(r.Tags) {
		sb.WriteString(key)
		sb.WriteByte('[')
		sb.WriteString(value)
		sb.WriteByte(']')
	}
	for _, move := range r.Moves {
		sb.WriteByte(';')
		sb.WriteByte(move.Player.Char())
		sb.WriteByte('[')
		sb.WriteString(strconv.Itoa(move.ActionID))
		sb.WriteByte(']')
		sb.WriteString("P[")
		sb.WriteString(move.Info.Policy)
		sb.WriteString("]V[")
		sb.WriteString(move.Info.Value)
		sb.WriteString("]R[")
		sb.WriteString(move.Info.Reward)
		sb.WriteByte(']')
	}
	sb.WriteByte(')')
	return sb.String()
}

// ParseRecord is the inverse of Record.String.
func ParseRecord(s string) (*Record, error) {
	if !strings.HasPrefix(s, "(;") || !strings.HasSuffix(s, ")") {
		return nil, errors.Errorf("record is not parenthesized: %q", s)
	}
	parts := strings.Split(s[2:len(s)-1], ";")
	record := &Record{Tags: map[string]string{}}

	header, err := parseProperties(parts[0])
	if err != nil {
		return nil, err
	}
	for _, p := range header {
		if p.key == "GM" {
			record.Game = p.value
		} else {
			record.Tags[p.key] = p.value
		}
	}
	if record.Game == "" {
		return nil, errors.Errorf("record header misses the GM tag: %q", parts[0])
	}

	for _, part := range parts[1:] {
		props, err := parseProperties(part)
		if err != nil {
			return nil, err
		}
		var move MoveRecord
		for _, p := range props {
			switch p.key {
			case "B", "W":
				move.Player = gamezero.Player1
				if p.key == "W" {
					move.Player = gamezero.Player2
				}
				move.ActionID, err = strconv.Atoi(p.value)
				if err != nil {
					return nil, errors.Wrapf(err, "bad action ID in move %q", part)
				}
			case "P":
				move.Info.Policy = p.value
			case "V":
				move.Info.Value = p.value
			case "R":
				move.Info.Reward = p.value
			default:
				return nil, errors.Errorf("unknown move property %q in %q", p.key, part)
			}
		}
		record.Moves = append(record.Moves, move)
	}
	return record, nil
}

type property struct{ key, value string }

func parseProperties(s string) ([]property, error) {
	var props []property
	for len(s) > 0 {
		open := strings.IndexByte(s, '[')
		if open <= 0 {
			return nil, errors.Errorf("malformed record node %q", s)
		}
		closing := strings.IndexByte(s[open:], ']')
		if closing < 0 {
			return nil, errors.Errorf("unterminated property in record node %q", s)
		}
		props = append(props, property{key: s[:open], value: s[open+1 : open+closing]})
		s = s[open+closing+1:]
	}
	return props, nil
}

// Record serializes the current game with the given extra tags. An
// unfinished game is recorded as a resignation loss for the side to move via
// the RE tag.
func (a *Actor) Record(tags map[string]string) string {
	record := &Record{
		Game: a.env.Name(),
		Tags: map[string]string{"EV": a.modelName},
	}
	if !a.env.IsTerminal() {
		record.Tags["RE"] = strconv.FormatFloat(float64(a.env.EvalScore(true)), 'g', -1, 32)
	}
	for key, value := range tags {
		record.Tags[key] = value
	}
	history := a.env.ActionHistory()
	for i, action := range history {
		move := MoveRecord{Player: action.Player, ActionID: action.ID}
		if i < len(a.history) {
			move.Info = a.history[i]
		}
		record.Moves = append(record.Moves, move)
	}
	return record.String()
}

// ModelIteration extracts N from a "weight_iter_N.pt" style model name,
// returning 0 when the name does not carry one.
func ModelIteration(name string) int {
	const marker = "weight_iter_"
	idx := strings.Index(name, marker)
	if idx < 0 {
		return 0
	}
	rest := name[idx+len(marker):]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	iteration, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return iteration
}
