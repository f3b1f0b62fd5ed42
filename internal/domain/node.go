package domain

import "time"

// NodeStatus is derived from the heartbeat lease, never stored.
type NodeStatus string

const (
	NodeAlive NodeStatus = "ALIVE"
	NodeDead  NodeStatus = "DEAD"
)

// Node is a registered inference backend instance for one model family.
// Dispatched counts how many in-flight invocations have reserved the node.
type Node struct {
	ID            string    `json:"node_id"`
	Family        string    `json:"model_family"`
	Endpoint      string    `json:"endpoint"`
	Dispatched    int       `json:"dispatched"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StatusAt reports whether the node's lease was still valid at the given time.
func (n *Node) StatusAt(now time.Time, lease time.Duration) NodeStatus {
	if now.Sub(n.LastHeartbeat) > lease {
		return NodeDead
	}
	return NodeAlive
}
