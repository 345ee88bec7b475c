package signaling

import (
	"encoding/json"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Envelope is the JSON wire shape for every signaling message in both
// directions. Type selects which fields are meaningful.
type Envelope struct {
	Type string `json:"type"`

	// Identity and addressing.
	ClientId types.ClientIdType `json:"clientId,omitempty"`
	FromId   types.ClientIdType `json:"fromId,omitempty"`
	TargetId types.ClientIdType `json:"targetId,omitempty"`

	// Join / room state.
	RoomId       types.RoomIdType   `json:"roomId,omitempty"`
	Role         types.RoleType     `json:"role,omitempty"`
	Participants []types.ClientInfo `json:"participants,omitempty"`

	// WebRTC payloads are forwarded verbatim.
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Error envelopes.
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Envelope types. welcome is server→client on connect; join is
// client→server; everything else flows per §type.
const (
	TypeWelcome      = "welcome"
	TypeJoin         = "join"
	TypeJoined       = "joined"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeIceCandidate = "ice-candidate"
	TypeLeave        = "leave"
	TypeError        = "error"
)

func (e *Envelope) marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return data
}

func errorEnvelope(kind, message string) *Envelope {
	return &Envelope{Type: TypeError, Kind: kind, Message: message}
}

// relayMessage crosses nodes on the signaling:relay channel. Origin is
// the publishing node so a node never re-processes its own messages.
type relayMessage struct {
	OriginNode types.NodeIdType   `json:"origin_node"`
	TargetNode types.NodeIdType   `json:"target_node"`
	TargetId   types.ClientIdType `json:"target_client_id"`
	Payload    *Envelope          `json:"payload"`
}
