// Package protocol turns raw room frames into typed events.
//
// The authority sends three frame families: bare strings, one JSON array
// (the roster snapshot) and JSON objects distinguished only by which
// fields are present. Classify resolves object shapes in a fixed
// priority order; that order is a behavior contract, covered by
// regression tests, because several shapes share optional fields.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Event is one classified inbound frame.
type Event interface{ isEvent() }

// RosterEntry is one element of a roster snapshot or a participant
// upsert.
type RosterEntry struct {
	ID                   int             `json:"id"`
	TeamName             string          `json:"team_name"`
	Balance              decimal.Decimal `json:"balance"`
	TotalPlayersBought   int             `json:"total_players_brought"`
	RemainingRTMs        int             `json:"remaining_rtms"`
	ForeignPlayersBought int             `json:"foreign_players_brought"`
}

// RosterSnapshot replaces the whole roster; everyone listed is
// connected.
type RosterSnapshot []RosterEntry

// ParticipantUpsert inserts or updates one roster entry.
type ParticipantUpsert RosterEntry

// NewItem announces the item now open for bidding.
type NewItem struct {
	ID         int             `json:"id"`
	Name       string          `json:"name"`
	BasePrice  decimal.Decimal `json:"base_price"`
	Role       string          `json:"role"`
	IsDomestic bool            `json:"is_indian"`
	ProfileURL string          `json:"profile_url"`
	Country    string          `json:"country"`
	PoolNo     int             `json:"pool_no"`
}

// BidUpdate carries the new leading bid.
type BidUpdate struct {
	Amount decimal.Decimal `json:"bid_amount"`
	Team   string          `json:"team"`
}

// Sold resolves the open item to a buyer.
type Sold struct {
	TeamName             string          `json:"team_name"`
	SoldPrice            decimal.Decimal `json:"sold_price"`
	RemainingBalance     decimal.Decimal `json:"remaining_balance"`
	RemainingRTMs        *int            `json:"remaining_rtms"`
	ForeignPlayersBought *int            `json:"foreign_players_brought"`
}

// Unsold resolves the open item with no buyer (bare "UnSold" frame).
type Unsold struct{}

// Disconnect marks one participant as gone.
type Disconnect struct {
	ParticipantID int    `json:"participant_id"`
	TeamName      string `json:"team_name"`
}

// Chat is one transcript line.
type Chat struct {
	TeamName string `json:"team_name"`
	Message  string `json:"message"`
}

// HostEnded is the bare "exit" frame: the host terminated the session.
type HostEnded struct{}

// Completed is the bare "Auction Completed" frame.
type Completed struct{}

// Paused is any phrase the authority uses to announce a pause.
type Paused struct{ Text string }

// RTMPrompt invites this client to use a right-to-match token.
type RTMPrompt struct{}

// RTMOffer delivers a counterparty's right-to-match amount.
type RTMOffer struct{ Amount decimal.Decimal }

// Notice is free-form text that mutates no state.
type Notice struct{ Text string }

// Unknown is a frame matching no known shape; logged and dropped.
type Unknown struct{ Raw string }

func (RosterSnapshot) isEvent()    {}
func (ParticipantUpsert) isEvent() {}
func (NewItem) isEvent()           {}
func (BidUpdate) isEvent()         {}
func (Sold) isEvent()              {}
func (Unsold) isEvent()            {}
func (Disconnect) isEvent()        {}
func (Chat) isEvent()              {}
func (HostEnded) isEvent()         {}
func (Completed) isEvent()         {}
func (Paused) isEvent()            {}
func (RTMPrompt) isEvent()         {}
func (RTMOffer) isEvent()          {}
func (Notice) isEvent()            {}
func (Unknown) isEvent()           {}
func (Signal) isEvent()            {}
func (MuteChange) isEvent()        {}

// probe records which fields a JSON object carries. Pointers so that
// presence and zero values are distinguishable.
type probe struct {
	Type               *string      `json:"type"`
	ID                 *int         `json:"id"`
	Name               *string      `json:"name"`
	BasePrice          *json.Number `json:"base_price"`
	TeamName           *string      `json:"team_name"`
	Balance            *json.Number `json:"balance"`
	TotalPlayersBought *int         `json:"total_players_brought"`
	BidAmount          *json.Number `json:"bid_amount"`
	Team               *string      `json:"team"`
	SoldPrice          *json.Number `json:"sold_price"`
	RemainingBalance   *json.Number `json:"remaining_balance"`
	ParticipantID      *int         `json:"participant_id"`
	Message            *string      `json:"message"`
}

// Classify maps one text frame onto its event variant. It never fails:
// anything unrecognized becomes Unknown (JSON) or Notice (plain text).
func Classify(frame string) Event {
	trimmed := strings.TrimSpace(frame)

	if strings.HasPrefix(trimmed, "{") {
		if ev, ok := classifyObject(trimmed); ok {
			return ev
		}
		return classifyString(trimmed)
	}
	if strings.HasPrefix(trimmed, "[") {
		if ev, ok := classifyArray(trimmed); ok {
			return ev
		}
		return classifyString(trimmed)
	}
	return classifyString(trimmed)
}

func classifyArray(raw string) (Event, bool) {
	var entries []RosterEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false
	}
	if len(entries) == 0 {
		return Unknown{Raw: raw}, true
	}
	// A roster snapshot is the only array the authority sends; the first
	// element must carry an identity.
	var heads []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &heads); err != nil {
		return nil, false
	}
	if _, ok := heads[0]["id"]; !ok {
		return Unknown{Raw: raw}, true
	}
	return RosterSnapshot(entries), true
}

// classifyObject resolves the shape-sniffed object families. The order
// below (signaling, upsert, new item, bid, sold, disconnect, chat) is
// fixed: changing it misattributes frames whose optional fields overlap.
func classifyObject(raw string) (Event, bool) {
	var p probe
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}

	// Signaling gets first right of refusal so the audio coordinator can
	// intercept its own traffic before auction-shape sniffing runs.
	if p.Type != nil {
		switch *p.Type {
		case SignalOffer, SignalAnswer, SignalICECandidate:
			var sig Signal
			if err := json.Unmarshal([]byte(raw), &sig); err == nil {
				return sig, true
			}
		case SignalMute, SignalUnmute:
			if p.ParticipantID != nil {
				return MuteChange{ParticipantID: *p.ParticipantID, Muted: *p.Type == SignalMute}, true
			}
		}
	}

	switch {
	case p.ID != nil && p.TeamName != nil && p.Balance != nil && p.TotalPlayersBought != nil:
		var ev ParticipantUpsert
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true

	case p.ID != nil && p.Name != nil && p.BasePrice != nil:
		var ev NewItem
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true

	case p.BidAmount != nil && p.Team != nil:
		var ev BidUpdate
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true

	case p.TeamName != nil && p.SoldPrice != nil && p.RemainingBalance != nil:
		var ev Sold
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true

	case p.ParticipantID != nil && p.TeamName != nil && p.Balance == nil:
		var ev Disconnect
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true

	case p.TeamName != nil && p.Message != nil:
		var ev Chat
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, false
		}
		return ev, true
	}

	log.Debug().Str("frame", raw).Msg("json frame matched no known shape")
	return Unknown{Raw: raw}, true
}

const rtmOfferPrefix = "rtm-amount-"

func classifyString(text string) Event {
	switch {
	case text == "UnSold":
		return Unsold{}
	case text == "exit":
		return HostEnded{}
	case text == "Auction Completed":
		return Completed{}
	case strings.Contains(text, "Stopped Temporarily") || strings.Contains(text, "was Paused"):
		return Paused{Text: text}
	case text == "Use RTM" || strings.Contains(text, "Use RTM"):
		return RTMPrompt{}
	case strings.HasPrefix(text, rtmOfferPrefix):
		amount, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(text, rtmOfferPrefix)))
		if err != nil {
			log.Debug().Str("frame", text).Msg("unparsable rtm offer amount")
			return Notice{Text: text}
		}
		return RTMOffer{Amount: amount}
	default:
		return Notice{Text: text}
	}
}
