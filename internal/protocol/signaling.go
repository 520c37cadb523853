package protocol

import "encoding/json"

// Signaling frame type tags. Offer, answer and ice-candidate are
// addressed peer-to-peer; mute and unmute are broadcast.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
	SignalMute         = "mute"
	SignalUnmute       = "unmute"
)

// Signal is one addressed signaling frame. Frames whose To field does
// not match the local participant are ignored by the coordinator.
type Signal struct {
	Type    string          `json:"type"`
	From    int             `json:"from"`
	To      int             `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SessionDescription is the offer/answer payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the ice-candidate payload, carrying the candidate and
// its media-line association.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// MuteChange is a broadcast mute/unmute announcement.
type MuteChange struct {
	ParticipantID int  `json:"participant_id"`
	Muted         bool `json:"-"`
}

// NewSignal builds an addressed signaling frame with a marshaled
// payload. Marshaling SessionDescription and ICECandidate cannot fail.
func NewSignal(typ string, from, to int, payload any) Signal {
	data, _ := json.Marshal(payload)
	return Signal{Type: typ, From: from, To: to, Payload: data}
}

// MuteFrame builds the broadcast mute/unmute frame for the local
// participant.
func MuteFrame(participantID int, muted bool) ([]byte, error) {
	typ := SignalUnmute
	if muted {
		typ = SignalMute
	}
	return json.Marshal(struct {
		Type          string `json:"type"`
		ParticipantID int    `json:"participant_id"`
	}{Type: typ, ParticipantID: participantID})
}
