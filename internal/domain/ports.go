package domain

import "context"

// Transport is the connection engine a negotiation session drives.
// Implementations own ICE, DTLS and media; descriptions are opaque here.
type Transport interface {
	CreateOffer() (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	// SetLocalDescription installs desc, or discards a pending local offer
	// when desc is Rollback().
	SetLocalDescription(desc SDPPayload) error
	SetRemoteDescription(desc SDPPayload) error
	AddICECandidate(candidate ICECandidatePayload) error
	SignalingState() SignalingState
	OnLocalICECandidate(fn func(ICECandidatePayload))
	OnRemoteTrack(fn func(RemoteTrack))
	Close() error
}

// RemoteTrack is the handle delivered when the remote side starts sending media.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
}

// Channel moves signals between the participants of a room.
// Every published signal is delivered to all subscribers, the sender
// included, in per-sender publish order.
type Channel interface {
	Publish(ctx context.Context, sig Signal) error
	Subscribe(room RoomID, onSignal func(Signal)) (Subscription, error)
}

// Subscription stops delivery when unsubscribed. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}
