package models

// Peer represents a remote participant in a room. The PeerID is a session
// identifier and is only stable for the lifetime of the connection.
type Peer struct {
	PeerID       string `json:"peer_id"`
	DisplayName  string `json:"display_name"`
	DisplayColor string `json:"display_color"`
	LastSeen     int64  `json:"last_seen"`
	Online       bool   `json:"online"`
}
