package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(strategy Strategy) Record {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Record{
		Key:             "theme",
		LocalValue:      json.RawMessage(`"dark"`),
		RemoteValue:     json.RawMessage(`"light"`),
		LocalTimestamp:  base,
		RemoteTimestamp: base.Add(time.Second),
		RemotePeerID:    "peer-remote",
		Strategy:        strategy,
	}
}

func TestTimestampNewerWins(t *testing.T) {
	rec := record(StrategyTimestamp)
	res := Resolve(rec, "peer-local", "")
	assert.True(t, res.RemoteWon)
	assert.Equal(t, json.RawMessage(`"light"`), res.Value)

	rec.LocalTimestamp = rec.RemoteTimestamp.Add(time.Second)
	res = Resolve(rec, "peer-local", "")
	assert.False(t, res.RemoteWon)
	assert.Equal(t, json.RawMessage(`"dark"`), res.Value)
}

func TestTimestampTieIsSymmetric(t *testing.T) {
	rec := record(StrategyTimestamp)
	rec.LocalTimestamp = rec.RemoteTimestamp

	mirrored := rec
	mirrored.LocalValue, mirrored.RemoteValue = rec.RemoteValue, rec.LocalValue

	a := Resolve(rec, "peer-local", "")
	b := Resolve(mirrored, "peer-remote", "")
	assert.Equal(t, a.Value, b.Value, "both sides of a tied conflict must converge")
}

func TestResolveIsIdempotent(t *testing.T) {
	for _, s := range []Strategy{StrategyTimestamp, StrategyMerge, StrategyLeaderWins, StrategyLocalWins, StrategyRemoteWins} {
		rec := record(s)
		first := Resolve(rec, "peer-local", "peer-remote")
		second := Resolve(rec, "peer-local", "peer-remote")
		assert.Equal(t, first, second, "strategy %s", s)
	}
}

func TestMergeRemoteLeafWins(t *testing.T) {
	rec := record(StrategyMerge)
	rec.LocalValue = json.RawMessage(`{"font":"mono","size":12,"nested":{"a":1,"b":2}}`)
	rec.RemoteValue = json.RawMessage(`{"size":14,"nested":{"b":3,"c":4}}`)

	res := Resolve(rec, "peer-local", "")
	require.Equal(t, StrategyMerge, res.Applied)

	var merged map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(res.Value, &merged))
	assert.JSONEq(t, `"mono"`, string(merged["font"]))
	assert.JSONEq(t, `14`, string(merged["size"]))
	assert.JSONEq(t, `{"a":1,"b":3,"c":4}`, string(merged["nested"]))
}

func TestMergeNonObjectFallsBackToRemote(t *testing.T) {
	rec := record(StrategyMerge)
	res := Resolve(rec, "peer-local", "")
	assert.Equal(t, json.RawMessage(`"light"`), res.Value)
	assert.True(t, res.RemoteWon)
}

func TestLeaderWins(t *testing.T) {
	rec := record(StrategyLeaderWins)

	res := Resolve(rec, "peer-local", "peer-remote")
	assert.True(t, res.RemoteWon)
	assert.Equal(t, StrategyLeaderWins, res.Applied)

	res = Resolve(rec, "peer-local", "peer-local")
	assert.False(t, res.RemoteWon)
	assert.Equal(t, json.RawMessage(`"dark"`), res.Value)
}

func TestLeaderWinsFallsBackToTimestampWithoutLeader(t *testing.T) {
	rec := record(StrategyLeaderWins)

	// No leader known (mid-election window).
	res := Resolve(rec, "peer-local", "")
	assert.Equal(t, StrategyTimestamp, res.Applied)
	assert.True(t, res.RemoteWon)

	// Leader known but is neither writer.
	res = Resolve(rec, "peer-local", "peer-other")
	assert.Equal(t, StrategyTimestamp, res.Applied)
}

func TestExplicitOverrides(t *testing.T) {
	rec := record(StrategyLocalWins)
	res := Resolve(rec, "peer-local", "")
	assert.Equal(t, json.RawMessage(`"dark"`), res.Value)

	rec.Strategy = StrategyRemoteWins
	res = Resolve(rec, "peer-local", "")
	assert.Equal(t, json.RawMessage(`"light"`), res.Value)
}

func TestUnknownStrategyDefaultsToTimestamp(t *testing.T) {
	rec := record(Strategy("WHATEVER"))
	res := Resolve(rec, "peer-local", "")
	assert.Equal(t, StrategyTimestamp, res.Applied)
}
