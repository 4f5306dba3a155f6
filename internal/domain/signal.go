package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the type of a negotiation signal.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice"
)

// SDPType is the type carried inside a session description payload.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
	// SDPTypeRollback is a local command only and never travels on the wire.
	SDPTypeRollback SDPType = "rollback"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
// The SDP blob is owned by the transport and never parsed here.
type SDPPayload struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Rollback returns the description that discards a pending local offer.
func Rollback() SDPPayload {
	return SDPPayload{Type: SDPTypeRollback}
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is one negotiation message moved through a room channel.
// Exactly one of SDP and Candidate is set, matching Kind.
type Signal struct {
	ID        string
	Room      RoomID
	Sender    ParticipantID
	Kind      Kind
	SDP       *SDPPayload
	Candidate *ICECandidatePayload
	// CreatedAt is assigned by the relay and only used for diagnostics.
	CreatedAt time.Time
}

// NewOffer builds an offer signal.
func NewOffer(room RoomID, sender ParticipantID, sdp string) Signal {
	return Signal{
		Room:   room,
		Sender: sender,
		Kind:   KindOffer,
		SDP:    &SDPPayload{Type: SDPTypeOffer, SDP: sdp},
	}
}

// NewAnswer builds an answer signal.
func NewAnswer(room RoomID, sender ParticipantID, sdp string) Signal {
	return Signal{
		Room:   room,
		Sender: sender,
		Kind:   KindAnswer,
		SDP:    &SDPPayload{Type: SDPTypeAnswer, SDP: sdp},
	}
}

// NewCandidate builds an ICE candidate signal.
func NewCandidate(room RoomID, sender ParticipantID, c ICECandidatePayload) Signal {
	return Signal{
		Room:      room,
		Sender:    sender,
		Kind:      KindCandidate,
		Candidate: &c,
	}
}

// Validate checks that the signal is attributed and that its payload
// matches its kind.
func (s Signal) Validate() error {
	if s.Room == "" {
		return fmt.Errorf("%w: missing room", ErrInvalidSignal)
	}
	if s.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidSignal)
	}

	switch s.Kind {
	case KindOffer, KindAnswer:
		if s.SDP == nil {
			return fmt.Errorf("%w: %s signal missing sdp payload", ErrInvalidSignal, s.Kind)
		}
		if s.Candidate != nil {
			return fmt.Errorf("%w: %s signal carries a candidate payload", ErrInvalidSignal, s.Kind)
		}
		if string(s.SDP.Type) != string(s.Kind) {
			return fmt.Errorf("%w: %s signal has payload type %q", ErrInvalidSignal, s.Kind, s.SDP.Type)
		}
		if s.SDP.SDP == "" {
			return fmt.Errorf("%w: %s signal has empty sdp", ErrInvalidSignal, s.Kind)
		}
	case KindCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: ice signal missing candidate payload", ErrInvalidSignal)
		}
		if s.SDP != nil {
			return fmt.Errorf("%w: ice signal carries an sdp payload", ErrInvalidSignal)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidSignal, s.Kind)
	}
	return nil
}

// signalRow is the relay wire representation of a Signal.
type signalRow struct {
	ID        string          `json:"id,omitempty"`
	Room      RoomID          `json:"room_id"`
	Sender    ParticipantID   `json:"sender"`
	Kind      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch {
	case s.SDP != nil:
		payload, err = json.Marshal(s.SDP)
	case s.Candidate != nil:
		payload, err = json.Marshal(s.Candidate)
	default:
		payload = []byte("null")
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", s.Kind, err)
	}

	row := signalRow{
		ID:      s.ID,
		Room:    s.Room,
		Sender:  s.Sender,
		Kind:    s.Kind,
		Payload: payload,
	}
	if !s.CreatedAt.IsZero() {
		t := s.CreatedAt.UTC()
		row.CreatedAt = &t
	}
	return json.Marshal(row)
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var row signalRow
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}

	out := Signal{
		ID:     row.ID,
		Room:   row.Room,
		Sender: row.Sender,
		Kind:   row.Kind,
	}
	if row.CreatedAt != nil {
		out.CreatedAt = *row.CreatedAt
	}

	if len(row.Payload) > 0 && string(row.Payload) != "null" {
		switch row.Kind {
		case KindOffer, KindAnswer:
			var sdp SDPPayload
			if err := json.Unmarshal(row.Payload, &sdp); err != nil {
				return fmt.Errorf("unmarshal %s payload: %w", row.Kind, err)
			}
			out.SDP = &sdp
		case KindCandidate:
			var c ICECandidatePayload
			if err := json.Unmarshal(row.Payload, &c); err != nil {
				return fmt.Errorf("unmarshal ice payload: %w", err)
			}
			out.Candidate = &c
		default:
			return fmt.Errorf("%w: unsupported kind %q", ErrInvalidSignal, row.Kind)
		}
	}

	*s = out
	return nil
}
