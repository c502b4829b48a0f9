package conflict

import (
	"bytes"
	"encoding/json"
	"time"
)

// Strategy selects how a concurrent-edit conflict is resolved.
type Strategy string

const (
	StrategyTimestamp  Strategy = "TIMESTAMP"
	StrategyMerge      Strategy = "MERGE"
	StrategyLeaderWins Strategy = "LEADER_WINS"
	StrategyLocalWins  Strategy = "LOCAL_WINS"
	StrategyRemoteWins Strategy = "REMOTE_WINS"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTimestamp, StrategyMerge, StrategyLeaderWins, StrategyLocalWins, StrategyRemoteWins:
		return true
	}
	return false
}

// Record describes two disagreeing values for one key: the local value
// and a remote change the local peer had not observed when it wrote.
// Records are transient; they are resolved synchronously and dropped.
type Record struct {
	Key             string          `json:"key"`
	LocalValue      json.RawMessage `json:"localValue"`
	RemoteValue     json.RawMessage `json:"remoteValue"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	RemoteTimestamp time.Time       `json:"remoteTimestamp"`
	RemotePeerID    string          `json:"remotePeerId"`
	Strategy        Strategy        `json:"resolutionStrategy"`
}

// Resolution is the outcome of resolving one Record.
type Resolution struct {
	Value json.RawMessage
	// Applied is the strategy actually used; differs from the requested
	// one when LEADER_WINS falls back during a no-leader window.
	Applied Strategy
	// RemoteWon reports whether the remote value was kept as-is.
	RemoteWon bool
}

// Resolve picks the winning value. It is a pure function of its inputs,
// so applying the same record twice yields the same result and all
// peers resolving the symmetric record converge.
//
// LEADER_WINS needs an elected leader among the two writers; when
// neither writer is the leader, or no leader is known (mid-election),
// it falls back to TIMESTAMP.
func Resolve(rec Record, selfID, leaderID string) Resolution {
	strategy := rec.Strategy
	if !strategy.Valid() {
		strategy = StrategyTimestamp
	}
	if strategy == StrategyLeaderWins {
		switch {
		case leaderID != "" && rec.RemotePeerID == leaderID:
			return Resolution{Value: rec.RemoteValue, Applied: StrategyLeaderWins, RemoteWon: true}
		case leaderID != "" && selfID == leaderID:
			return Resolution{Value: rec.LocalValue, Applied: StrategyLeaderWins}
		default:
			strategy = StrategyTimestamp
		}
	}

	switch strategy {
	case StrategyLocalWins:
		return Resolution{Value: rec.LocalValue, Applied: StrategyLocalWins}
	case StrategyRemoteWins:
		return Resolution{Value: rec.RemoteValue, Applied: StrategyRemoteWins, RemoteWon: true}
	case StrategyMerge:
		merged := deepMerge(rec.LocalValue, rec.RemoteValue)
		return Resolution{
			Value:     merged,
			Applied:   StrategyMerge,
			RemoteWon: bytes.Equal(merged, rec.RemoteValue),
		}
	default:
		return resolveByTimestamp(rec)
	}
}

func resolveByTimestamp(rec Record) Resolution {
	switch {
	case rec.RemoteTimestamp.After(rec.LocalTimestamp):
		return Resolution{Value: rec.RemoteValue, Applied: StrategyTimestamp, RemoteWon: true}
	case rec.LocalTimestamp.After(rec.RemoteTimestamp):
		return Resolution{Value: rec.LocalValue, Applied: StrategyTimestamp}
	default:
		// Equal timestamps: compare raw bytes so both sides of the
		// symmetric conflict pick the same winner.
		if bytes.Compare(rec.RemoteValue, rec.LocalValue) >= 0 {
			return Resolution{Value: rec.RemoteValue, Applied: StrategyTimestamp, RemoteWon: true}
		}
		return Resolution{Value: rec.LocalValue, Applied: StrategyTimestamp}
	}
}

// deepMerge merges two JSON documents. Objects merge recursively with
// remote fields winning on leaf collision; any non-object pair yields
// the remote value.
func deepMerge(local, remote json.RawMessage) json.RawMessage {
	var lm, rm map[string]json.RawMessage
	if err := json.Unmarshal(local, &lm); err != nil {
		return remote
	}
	if err := json.Unmarshal(remote, &rm); err != nil {
		return remote
	}
	out := make(map[string]json.RawMessage, len(lm)+len(rm))
	for k, v := range lm {
		out[k] = v
	}
	for k, rv := range rm {
		if lv, ok := out[k]; ok {
			out[k] = deepMerge(lv, rv)
		} else {
			out[k] = rv
		}
	}
	merged, err := json.Marshal(out)
	if err != nil {
		return remote
	}
	return merged
}
