package session

import "github.com/shopspring/decimal"

// Status is the session lifecycle as reported by the authority.
// pending, active and paused may cycle; completed and ended_by_host are
// terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusEndedByHost Status = "ended_by_host"
)

// Participant is one seat in the auction. Entries are never deleted;
// disconnects only clear Connected.
type Participant struct {
	ID                   int
	TeamName             string
	Balance              decimal.Decimal
	PlayersBought        int
	RemainingRTMs        int
	ForeignPlayersBought int
	Connected            bool
	Muted                bool
}

// Item is the lot currently open for bidding.
type Item struct {
	ID         int
	Name       string
	BasePrice  decimal.Decimal
	Role       string
	Overseas   bool
	ProfileURL string
	Country    string
	PoolNo     int
}

// Bid is the current leading bid. Leader is empty until the first bid
// lands.
type Bid struct {
	Amount decimal.Decimal
	Leader string
}

// SoldEntry is one resolved sale in the sold ledger.
type SoldEntry struct {
	ItemID   int             `json:"player_id"`
	ItemName string          `json:"player_name"`
	Role     string          `json:"role"`
	Price    decimal.Decimal `json:"bought_price"`
	TeamName string          `json:"team_name"`
}

// UnsoldEntry is one item that closed without a buyer.
type UnsoldEntry struct {
	ItemID    int             `json:"player_id"`
	ItemName  string          `json:"player_name"`
	Role      string          `json:"role"`
	BasePrice decimal.Decimal `json:"base_price"`
}

// RTMStage tracks the right-to-match negotiation on this client.
type RTMStage string

const (
	RTMIdle           RTMStage = "idle"
	RTMAwaitingUse    RTMStage = "awaiting_use"
	RTMAwaitingAmount RTMStage = "awaiting_amount"
	RTMAwaitingAccept RTMStage = "awaiting_accept"
)

// RTMState is the right-to-match sub-state. SecondsLeft is the
// client-local countdown; on expiry the negotiation auto-declines.
type RTMState struct {
	Stage       RTMStage
	OfferAmount decimal.Decimal
	SecondsLeft int
}

// ChatMessage is one transcript line.
type ChatMessage struct {
	TeamName string `json:"team_name"`
	Message  string `json:"message"`
}

// Notice is user-facing text that mutates no auction state.
type Notice struct {
	Text string
}

// Snapshot is the immutable view handed to the presentation layer.
// TimerRemaining is a display estimate only; the authority enforces the
// real deadlines.
type Snapshot struct {
	Status         Status
	Participants   []Participant
	CurrentItem    *Item
	Bid            Bid
	TimerRemaining int
	MyBalance      decimal.Decimal
	MyTeamName     string
	SoldPage       []SoldEntry
	SoldPageNo     int
	UnsoldPage     []UnsoldEntry
	UnsoldPageNo   int
	RTM            RTMState
	PoolVoteCast   bool
	Chat           []ChatMessage
}
