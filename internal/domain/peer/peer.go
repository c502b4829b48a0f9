package peer

import "time"

// Record describes one live peer (one running client instance) as seen
// locally.
type Record struct {
	PeerID          string    `json:"peerId"`
	RegisteredAt    time.Time `json:"registeredAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	IsLeader        bool      `json:"isLeader"`
	Hidden          bool      `json:"hidden,omitempty"`
}

// Expired reports whether the peer missed heartbeats past the timeout.
func (r Record) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastHeartbeatAt) > timeout
}

// ElectLeader picks the leader among active peers: earliest
// registration wins, peer ID breaks ties. Deterministic for a given
// set, so every peer converges on the same choice. Returns "" for an
// empty set.
func ElectLeader(records []Record) string {
	leaderID := ""
	var leaderAt time.Time
	for _, r := range records {
		if r.PeerID == "" {
			continue
		}
		if leaderID == "" ||
			r.RegisteredAt.Before(leaderAt) ||
			(r.RegisteredAt.Equal(leaderAt) && r.PeerID < leaderID) {
			leaderID = r.PeerID
			leaderAt = r.RegisteredAt
		}
	}
	return leaderID
}
