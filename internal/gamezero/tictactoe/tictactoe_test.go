package tictactoe

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerofleet/zerofleet/internal/gamezero"
)

func play(t *testing.T, e *Env, ids ...int) {
	t.Helper()
	for _, id := range ids {
		require.True(t, e.Act(gamezero.Action{ID: id, Player: e.Turn()}), "move %d", id)
	}
}

func TestWinDetection(t *testing.T) {
	e := New()
	play(t, e, 0, 3, 1, 4, 2) // top row for Player1
	require.True(t, e.IsTerminal())
	require.Equal(t, float32(1), e.EvalScore(false))
}

func TestDrawDetection(t *testing.T) {
	e := New()
	play(t, e, 0, 1, 2, 4, 3, 5, 7, 6, 8)
	require.True(t, e.IsTerminal())
	require.Equal(t, float32(0), e.EvalScore(false))
}

func TestIllegalMoves(t *testing.T) {
	e := New()
	play(t, e, 4)
	require.False(t, e.Act(gamezero.Action{ID: 4, Player: e.Turn()}), "occupied cell")
	require.False(t, e.Act(gamezero.Action{ID: 0, Player: gamezero.Player1}), "wrong turn")
	require.False(t, e.Act(gamezero.Action{ID: 9, Player: e.Turn()}), "off the board")
}

func TestLegalActionsShrink(t *testing.T) {
	e := New()
	require.Len(t, e.LegalActions(), 9)
	play(t, e, 0, 8)
	actions := e.LegalActions()
	require.Len(t, actions, 7)
	for _, a := range actions {
		require.Equal(t, gamezero.Player1, a.Player)
	}
}

func TestEvalScoreOnResign(t *testing.T) {
	e := New()
	play(t, e, 0)
	// Player2 to move and resigning: Player1 wins.
	require.Equal(t, float32(1), e.EvalScore(true))
}

func TestFeaturesShape(t *testing.T) {
	e := New()
	play(t, e, 4)
	features := e.Features(gamezero.RotationNone)
	require.Len(t, features, 4*9)
	// Cell 4 belongs to the opponent of the side to move (Player2's view).
	require.Equal(t, float32(0), features[4])
	require.Equal(t, float32(1), features[9+4])
	// Player2-to-move plane is set.
	require.Equal(t, float32(1), features[3*9])
}

func TestFeaturesRotation(t *testing.T) {
	e := New()
	play(t, e, 0)
	rotated := e.Features(gamezero.Rotation90)
	// Cell 0 maps to cell 2 under a 90-degree rotation of a 3x3 board.
	require.Equal(t, float32(1), rotated[9+gamezero.RotatedIndex(0, 3, gamezero.Rotation90)])
}

func TestActionStringRoundTrip(t *testing.T) {
	e := New()
	for id := 0; id < 9; id++ {
		s := e.ActionString(gamezero.Action{ID: id, Player: e.Turn()})
		parsed, err := e.ParseAction(s)
		require.NoError(t, err)
		require.Equal(t, id, parsed.ID)
	}
	_, err := e.ParseAction("z9")
	require.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	e := New()
	play(t, e, 0, 1)
	clone := e.Clone()
	play(t, e, 2)
	require.Len(t, clone.ActionHistory(), 2)
	require.Len(t, e.ActionHistory(), 3)
	require.True(t, clone.IsLegalAction(gamezero.Action{ID: 2, Player: clone.Turn()}))
}

func TestRegistry(t *testing.T) {
	env, err := gamezero.NewEnvironment("tictactoe", 3)
	require.NoError(t, err)
	require.Equal(t, "tictactoe", env.Name())
	_, err = gamezero.NewEnvironment("chess", 8)
	require.Error(t, err)
}
