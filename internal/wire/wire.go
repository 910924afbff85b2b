package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Type discriminates signaling messages on the wire.
type Type string

const (
	TypeHello        Type = "hello"
	TypeMemberJoined Type = "member.joined"
	TypeReady        Type = "ready"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeIce          Type = "ice"
	TypeRenegotiate  Type = "renegotiate"
	TypeBye          Type = "bye"
	TypePing         Type = "ping"
)

// Role identifies a peer's negotiation role within a room. The caller is the
// room creator and the exclusive offer originator.
type Role string

const (
	RoleCaller  Role = "caller"
	RoleCallee  Role = "callee"
	RoleUnknown Role = "unknown"
)

// ParseRole maps a query/header value to a Role, defaulting to RoleUnknown.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleCaller:
		return RoleCaller
	case RoleCallee:
		return RoleCallee
	default:
		return RoleUnknown
	}
}

// Other returns the opposite peer role. Only meaningful for caller/callee.
func (r Role) Other() Role {
	switch r {
	case RoleCaller:
		return RoleCallee
	case RoleCallee:
		return RoleCaller
	default:
		return RoleUnknown
	}
}

// Candidate is the JSON-friendly ICE candidate representation, mirroring
// RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the tagged union exchanged over the signaling channel.
//
// The Candidate field is raw JSON because `{"type":"ice","candidate":null}`
// is meaningful: the null is the end-of-candidates sentinel and must survive
// relay and buffering as a distinct value, not collapse into "absent".
type Message struct {
	Type Type `json:"type"`

	// hello
	MemberID string `json:"memberId,omitempty"`

	// member.joined
	Role Role `json:"role,omitempty"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// renegotiate / bye
	Reason string `json:"reason,omitempty"`

	// ping (client keepalives carry a timestamp; echoed untouched)
	T int64 `json:"t,omitempty"`
}

// EndOfCandidates reports whether an ice message carries the null sentinel.
func (m Message) EndOfCandidates() bool {
	return m.Type == TypeIce && isJSONNull(m.Candidate)
}

// ParseCandidate decodes the candidate payload of an ice message. It returns
// (nil, nil) for the end-of-candidates sentinel.
func (m Message) ParseCandidate() (*Candidate, error) {
	if m.Type != TypeIce {
		return nil, fmt.Errorf("wire: %q message has no candidate", m.Type)
	}
	if len(m.Candidate) == 0 {
		return nil, fmt.Errorf("wire: ice message missing candidate")
	}
	if isJSONNull(m.Candidate) {
		return nil, nil
	}
	var c Candidate
	if err := json.Unmarshal(m.Candidate, &c); err != nil {
		return nil, fmt.Errorf("wire: invalid candidate: %w", err)
	}
	return &c, nil
}

// IceMessage builds an ice message; a nil candidate becomes the sentinel.
func IceMessage(c *Candidate) (Message, error) {
	if c == nil {
		return Message{Type: TypeIce, Candidate: json.RawMessage("null")}, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeIce, Candidate: raw}, nil
}

// Parse decodes and validates one signaling message. Unknown fields and
// trailing data are rejected so a malformed or mis-nested payload cannot
// masquerade as a valid one.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("wire: unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if m.MemberID == "" {
			return fmt.Errorf("wire: hello message missing memberId")
		}
	case TypeMemberJoined:
		if m.Role == "" {
			return fmt.Errorf("wire: member.joined message missing role")
		}
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("wire: %s message missing sdp", m.Type)
		}
		if len(m.Candidate) != 0 {
			return fmt.Errorf("wire: %s message has unexpected candidate", m.Type)
		}
	case TypeIce:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("wire: ice message missing candidate")
		}
		if m.SDP != "" {
			return fmt.Errorf("wire: ice message has unexpected sdp")
		}
	case TypeReady, TypeRenegotiate, TypeBye, TypePing:
		if m.SDP != "" || len(m.Candidate) != 0 {
			return fmt.Errorf("wire: %s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("wire: unsupported message type %q", m.Type)
	}
	return nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 4 && string(raw) == "null"
}
