package domain

import "github.com/google/uuid"

// ParticipantID identifies one side of a negotiation. It is generated locally
// and only used to drop our own signals and attribute outgoing ones.
type ParticipantID string

// NewParticipantID returns a fresh random participant id.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

func (id ParticipantID) String() string {
	return string(id)
}

// RoomID names the shared negotiation scope. It is supplied externally.
type RoomID string

func (id RoomID) String() string {
	return string(id)
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}
