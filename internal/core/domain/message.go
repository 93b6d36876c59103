package domain

type MessageType string

const (
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
)

func (t MessageType) Valid() bool {
	return t == MessageOffer || t == MessageAnswer || t == MessageCandidate
}

type SDPType string

const (
	SDPTypeOffer    SDPType = "offer"
	SDPTypeAnswer   SDPType = "answer"
	SDPTypePranswer SDPType = "pranswer"
	SDPTypeRollback SDPType = "rollback"
)

// SessionDescription has the JSON shape browsers exchange.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate has the JSON shape of RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingMessage is one in-flight offer, answer or candidate. Exactly one
// of Description and Candidate is set, depending on Type.
type SignalingMessage struct {
	Type        MessageType
	From        PeerID
	Description *SessionDescription
	Candidate   *ICECandidate
}

func NewOfferMessage(desc SessionDescription) SignalingMessage {
	desc.Type = SDPTypeOffer
	return SignalingMessage{Type: MessageOffer, Description: &desc}
}

func NewAnswerMessage(desc SessionDescription) SignalingMessage {
	desc.Type = SDPTypeAnswer
	return SignalingMessage{Type: MessageAnswer, Description: &desc}
}

func NewCandidateMessage(c ICECandidate) SignalingMessage {
	return SignalingMessage{Type: MessageCandidate, Candidate: &c}
}

// RemoteTrack announces an inbound media stream. Ref is owned by the
// transport adapter and passed through untouched.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Codec    string
	Ref      any
}
