// Package session owns the auction-room state machine: it reduces the
// classified frame stream into immutable snapshots, runs the display
// countdowns, and serializes user intents back onto the channel. All
// state lives on one actor goroutine; there are no locks.
package session

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gavelio/auctionroom/internal/protocol"
)

// Sender is the write half of the room channel.
type Sender interface {
	Send(frame string) error
	SendJSON(v any) error
	Close() error
}

// SignalSink receives the signaling traffic and roster changes the audio
// coordinator keys its peer lifecycle off. May be nil.
type SignalSink interface {
	HandleSignal(sig protocol.Signal)
	HandleMute(mc protocol.MuteChange)
	RosterChanged(peers []PeerInfo)
	Shutdown()
}

// PeerInfo is the slice of roster state the audio coordinator needs.
type PeerInfo struct {
	ID        int
	Connected bool
}

// HistoryReader fetches resolved-item pages beyond the in-memory ledger
// window. May be nil, in which case deep pages are unavailable.
type HistoryReader interface {
	SoldPage(ctx context.Context, page, size int) ([]SoldEntry, error)
	UnsoldPage(ctx context.Context, page, size int) ([]UnsoldEntry, error)
}

// Config identifies the local participant and carries the client-local
// rule knobs.
type Config struct {
	SelfID         int
	TeamName       string
	BidWindowSec   int
	RTMResponseSec int
	ImportLimit    int
	LedgerPageSize int
}

// Outbound command strings.
const (
	cmdStart         = "start"
	cmdBid           = "bid"
	cmdPause         = "pause"
	cmdEnd           = "end"
	cmdGetRoster     = "get_participants"
	cmdSkip          = "skip"
	cmdSkipPool      = "skip-pool"
	cmdRTMAccept     = "rtm-accept"
	cmdRTMCancel     = "rtm-cancel"
	rtmAmountPrefix  = "rtm-"
	reasonNoBalance  = "insufficient-balance"
	reasonImportCap  = "import-limit"
	noticeRejectText = "Insufficient balance"
)

type command interface{ isCommand() }

type intentFrame struct{ frame string }
type intentSkip struct{}
type intentPoolVote struct{}
type intentChat struct{ text string }
type rtmConfirmUse struct{}
type rtmSubmitAmount struct{ amount decimal.Decimal }
type rtmAccept struct{}
type rtmDecline struct{}
type snapshotReq struct{ reply chan Snapshot }
type ledgerPageReq struct {
	sold bool
	page int
}
type historyResult struct {
	sold   bool
	page   int
	soldE  []SoldEntry
	unsold []UnsoldEntry
	err    error
}
type closeReq struct{}

func (intentFrame) isCommand()     {}
func (intentSkip) isCommand()      {}
func (intentPoolVote) isCommand()  {}
func (intentChat) isCommand()      {}
func (rtmConfirmUse) isCommand()   {}
func (rtmSubmitAmount) isCommand() {}
func (rtmAccept) isCommand()       {}
func (rtmDecline) isCommand()      {}
func (snapshotReq) isCommand()     {}
func (ledgerPageReq) isCommand()   {}
func (historyResult) isCommand()   {}
func (closeReq) isCommand()        {}

// Session reconstructs the authority's view of the room. Construct with
// New, then Run on its own goroutine; every exported method is safe to
// call from any goroutine and is a no-op once the session has shut down.
type Session struct {
	cfg     Config
	conn    Sender
	clock   clockwork.Clock
	history HistoryReader
	sink    SignalSink

	inbox   chan command
	notices chan Notice
	done    chan struct{}

	// Everything below is owned by the Run goroutine.
	status      Status
	roster      map[int]*Participant
	current     *Item
	previous    *Item
	bid         Bid
	myBalance   decimal.Decimal
	chat        []ChatMessage
	sold        *ledger[SoldEntry]
	unsold      *ledger[UnsoldEntry]
	rtm         RTMState
	poolVoted   bool
	lastPoolNo  int
	skippedItem bool

	countTicker clockwork.Ticker
	remaining   int
	rtmTicker   clockwork.Ticker
}

// New builds a session for the local participant identified by cfg.
func New(cfg Config, conn Sender, clock clockwork.Clock, history HistoryReader) *Session {
	if cfg.BidWindowSec <= 0 {
		cfg.BidWindowSec = 20
	}
	if cfg.RTMResponseSec <= 0 {
		cfg.RTMResponseSec = 17
	}
	if cfg.ImportLimit <= 0 {
		cfg.ImportLimit = 8
	}
	if cfg.LedgerPageSize <= 0 {
		cfg.LedgerPageSize = 10
	}
	return &Session{
		cfg:     cfg,
		conn:    conn,
		clock:   clock,
		history: history,
		inbox:   make(chan command, 64),
		notices: make(chan Notice, 32),
		done:    make(chan struct{}),
		status:  StatusPending,
		roster:  make(map[int]*Participant),
		sold:    newLedger[SoldEntry](cfg.LedgerPageSize),
		unsold:  newLedger[UnsoldEntry](cfg.LedgerPageSize),
		rtm:     RTMState{Stage: RTMIdle},
	}
}

// SetSignalSink registers the audio coordinator. Must be called before
// Run.
func (s *Session) SetSignalSink(sink SignalSink) { s.sink = sink }

// Notices returns the stream of user-facing notifications.
func (s *Session) Notices() <-chan Notice { return s.notices }

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes frames, ticks and intents in strict arrival order until
// the context is cancelled or the channel closes. It owns all state.
func (s *Session) Run(ctx context.Context, frames <-chan string) {
	defer s.teardown()

	// The authority only pushes the roster on demand.
	s.send(cmdGetRoster)

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-frames:
			if !ok {
				// Channel closure is session end.
				if s.status != StatusCompleted && s.status != StatusEndedByHost {
					s.status = StatusCompleted
				}
				return
			}
			if done := s.apply(protocol.Classify(frame)); done {
				return
			}

		case cmd := <-s.inbox:
			s.handleCommand(cmd)

		case <-tickerChan(s.countTicker):
			s.handleCountdownTick()

		case <-tickerChan(s.rtmTicker):
			s.handleRTMTick()
		}
	}
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

// apply reduces one classified event. It never fails; unrecognized
// events are dropped. The returned flag requests loop exit.
func (s *Session) apply(ev protocol.Event) bool {
	switch e := ev.(type) {
	case protocol.Signal:
		if s.sink != nil {
			s.sink.HandleSignal(e)
		}

	case protocol.MuteChange:
		if p, ok := s.roster[e.ParticipantID]; ok {
			p.Muted = e.Muted
		}
		if s.sink != nil {
			s.sink.HandleMute(e)
		}

	case protocol.RosterSnapshot:
		s.roster = make(map[int]*Participant, len(e))
		for _, entry := range e {
			p := participantFromEntry(protocol.RosterEntry(entry))
			s.roster[p.ID] = p
			if p.ID == s.cfg.SelfID {
				s.myBalance = p.Balance
			}
		}
		s.notifyRoster()
		s.notify("Loaded participant list")

	case protocol.ParticipantUpsert:
		p := participantFromEntry(protocol.RosterEntry(e))
		if prev, ok := s.roster[p.ID]; ok {
			p.Muted = prev.Muted
		}
		s.roster[p.ID] = p
		if p.ID == s.cfg.SelfID {
			s.myBalance = p.Balance
		}
		s.notifyRoster()
		s.notify(p.TeamName + " joined")
		s.maybeAutoSkip()

	case protocol.NewItem:
		s.previous = s.current
		s.current = &Item{
			ID:         e.ID,
			Name:       e.Name,
			BasePrice:  e.BasePrice,
			Role:       e.Role,
			Overseas:   !e.IsDomestic,
			ProfileURL: e.ProfileURL,
			Country:    e.Country,
			PoolNo:     e.PoolNo,
		}
		s.bid = Bid{Amount: e.BasePrice}
		s.status = StatusActive
		s.skippedItem = false
		if e.PoolNo != s.lastPoolNo {
			s.poolVoted = false
			s.lastPoolNo = e.PoolNo
		}
		s.armCountdown()
		s.maybeAutoSkip()

	case protocol.BidUpdate:
		s.bid = Bid{Amount: e.Amount, Leader: e.Team}
		s.armCountdown()
		s.maybeAutoSkip()

	case protocol.Sold:
		s.resolveSold(e)

	case protocol.Unsold:
		s.resolveUnsold()

	case protocol.Disconnect:
		if p, ok := s.roster[e.ParticipantID]; ok {
			p.Connected = false
		}
		s.notifyRoster()
		s.notify(e.TeamName + " disconnected")

	case protocol.Chat:
		s.chat = append(s.chat, ChatMessage{TeamName: e.TeamName, Message: e.Message})

	case protocol.HostEnded:
		s.notify("Auction ended by host")
		s.status = StatusEndedByHost
		s.stopCountdown()
		s.conn.Close()
		return true

	case protocol.Completed:
		s.notify("Auction completed!")
		s.status = StatusCompleted
		s.stopCountdown()

	case protocol.Paused:
		s.notify(e.Text)
		s.status = StatusPaused
		s.current = nil
		s.bid = Bid{}
		s.stopCountdown()

	case protocol.RTMPrompt:
		s.rtm = RTMState{Stage: RTMAwaitingUse, SecondsLeft: s.cfg.RTMResponseSec}
		s.armRTMCountdown()

	case protocol.RTMOffer:
		s.rtm = RTMState{Stage: RTMAwaitingAccept, OfferAmount: e.Amount, SecondsLeft: s.cfg.RTMResponseSec}
		s.armRTMCountdown()

	case protocol.Notice:
		s.notify(e.Text)
		// The authority is the arbiter of bidding legality; a rejection
		// it reports converts into an automatic skip so the client does
		// not keep believing it can act on this item.
		if strings.Contains(e.Text, noticeRejectText) {
			s.autoSkip(reasonNoBalance)
		}

	case protocol.Unknown:
		log.Debug().Str("frame", e.Raw).Msg("dropping unrecognized frame")
	}
	return false
}

func participantFromEntry(e protocol.RosterEntry) *Participant {
	return &Participant{
		ID:                   e.ID,
		TeamName:             e.TeamName,
		Balance:              e.Balance,
		PlayersBought:        e.TotalPlayersBought,
		RemainingRTMs:        e.RemainingRTMs,
		ForeignPlayersBought: e.ForeignPlayersBought,
		Connected:            true,
	}
}

// resolveItem picks the item a resolution message refers to. The
// previous slot is only populated between a new-item announcement that
// displaced a still-unresolved item and the next resolution, so it wins
// when present: that is exactly the late-resolution case.
func (s *Session) resolveItem() (item *Item, late bool) {
	if s.previous != nil {
		return s.previous, true
	}
	return s.current, false
}

func (s *Session) resolveSold(e protocol.Sold) {
	item, late := s.resolveItem()

	for _, p := range s.roster {
		if p.TeamName != e.TeamName {
			continue
		}
		p.Balance = e.RemainingBalance
		p.PlayersBought++
		if e.RemainingRTMs != nil {
			p.RemainingRTMs = *e.RemainingRTMs
		}
		if e.ForeignPlayersBought != nil {
			p.ForeignPlayersBought = *e.ForeignPlayersBought
		}
	}
	if e.TeamName == s.cfg.TeamName {
		s.myBalance = e.RemainingBalance
	}

	if item != nil {
		s.sold.prepend(SoldEntry{
			ItemID:   item.ID,
			ItemName: item.Name,
			Role:     item.Role,
			Price:    e.SoldPrice,
			TeamName: e.TeamName,
		})
		s.notify("SOLD to " + e.TeamName + " for " + e.SoldPrice.String())
	}

	if late {
		s.previous = nil
		return
	}
	s.current = nil
	s.previous = nil
	s.bid = Bid{}
	s.stopCountdown()
}

func (s *Session) resolveUnsold() {
	item, late := s.resolveItem()

	if item != nil {
		s.unsold.prepend(UnsoldEntry{
			ItemID:    item.ID,
			ItemName:  item.Name,
			Role:      item.Role,
			BasePrice: item.BasePrice,
		})
		s.notify(item.Name + " UNSOLD!")
	}

	if late {
		s.previous = nil
		return
	}
	s.current = nil
	s.previous = nil
	s.bid = Bid{}
	s.stopCountdown()
}

// maybeAutoSkip fires the tagged skip intent at most once per item when
// a locally checkable rule says this client cannot take the lot.
func (s *Session) maybeAutoSkip() {
	if s.current == nil || s.skippedItem {
		return
	}
	me, ok := s.roster[s.cfg.SelfID]
	if !ok {
		// Balance is unknown until the roster loads; never skip blind.
		return
	}
	if s.current.Overseas && me.ForeignPlayersBought >= s.cfg.ImportLimit {
		s.autoSkip(reasonImportCap)
		return
	}
	if s.myBalance.LessThan(s.bid.Amount) {
		s.autoSkip(reasonNoBalance)
	}
}

func (s *Session) autoSkip(reason string) {
	if s.current == nil || s.skippedItem {
		return
	}
	s.skippedItem = true
	s.send(cmdSkip + ":" + reason)
	log.Info().
		Str("reason", reason).
		Int("item_id", s.current.ID).
		Msg("auto-skipped current item")
}

func (s *Session) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case intentFrame:
		s.send(c.frame)

	case intentSkip:
		if s.skippedItem {
			return
		}
		s.skippedItem = true
		s.send(cmdSkip)

	case intentPoolVote:
		if s.poolVoted || s.current == nil {
			return
		}
		s.poolVoted = true
		s.send(cmdSkipPool)

	case intentChat:
		s.sendJSON(ChatMessage{TeamName: s.cfg.TeamName, Message: c.text})

	case rtmConfirmUse:
		if s.rtm.Stage == RTMAwaitingUse {
			s.rtm.Stage = RTMAwaitingAmount
		}

	case rtmSubmitAmount:
		if s.rtm.Stage != RTMAwaitingAmount || !c.amount.IsPositive() {
			return
		}
		s.send(rtmAmountPrefix + c.amount.String())
		s.clearRTM()

	case rtmAccept:
		if s.rtm.Stage != RTMAwaitingAccept {
			return
		}
		s.send(cmdRTMAccept)
		s.clearRTM()

	case rtmDecline:
		if s.rtm.Stage == RTMIdle {
			return
		}
		s.send(cmdRTMCancel)
		s.clearRTM()

	case snapshotReq:
		c.reply <- s.snapshot()

	case ledgerPageReq:
		s.changePage(c)

	case historyResult:
		s.applyHistory(c)

	case closeReq:
		s.conn.Close()
	}
}

func (s *Session) changePage(req ledgerPageReq) {
	if req.page < 1 {
		return
	}
	if req.sold {
		if s.sold.inMemory(req.page) {
			s.sold.current = req.page
			return
		}
	} else {
		if s.unsold.inMemory(req.page) {
			s.unsold.current = req.page
			return
		}
	}
	if s.history == nil {
		s.notify("History page unavailable")
		return
	}
	// Fetch off-loop so a slow collaborator never delays frame handling.
	go func(sold bool, page, size int) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res := historyResult{sold: sold, page: page}
		if sold {
			res.soldE, res.err = s.history.SoldPage(ctx, page, size)
		} else {
			res.unsold, res.err = s.history.UnsoldPage(ctx, page, size)
		}
		s.post(res)
	}(req.sold, req.page, s.cfg.LedgerPageSize)
}

func (s *Session) applyHistory(res historyResult) {
	if res.err != nil {
		log.Warn().Err(res.err).Int("page", res.page).Msg("history page fetch failed")
		s.notify("Failed to load history page")
		return
	}
	if res.sold {
		s.sold.setFetched(res.page, res.soldE)
		s.sold.current = res.page
		return
	}
	s.unsold.setFetched(res.page, res.unsold)
	s.unsold.current = res.page
}

// Countdown Timer Service: a single repeating one-second tick that only
// estimates the remote deadline for display.

func (s *Session) armCountdown() {
	s.stopTicker(&s.countTicker)
	s.remaining = s.cfg.BidWindowSec
	s.countTicker = s.clock.NewTicker(time.Second)
}

func (s *Session) stopCountdown() {
	s.stopTicker(&s.countTicker)
	s.remaining = 0
}

func (s *Session) handleCountdownTick() {
	if s.remaining > 0 {
		s.remaining--
	}
	if s.remaining == 0 {
		s.stopTicker(&s.countTicker)
	}
}

func (s *Session) armRTMCountdown() {
	s.stopTicker(&s.rtmTicker)
	s.rtmTicker = s.clock.NewTicker(time.Second)
}

func (s *Session) handleRTMTick() {
	if s.rtm.Stage == RTMIdle {
		s.stopTicker(&s.rtmTicker)
		return
	}
	s.rtm.SecondsLeft--
	if s.rtm.SecondsLeft > 0 {
		return
	}
	// Client-local auto-decline; the authority enforces the real
	// deadline, so nothing goes on the wire.
	s.clearRTM()
	s.notify("RTM response timed out")
}

func (s *Session) clearRTM() {
	s.rtm = RTMState{Stage: RTMIdle}
	s.stopTicker(&s.rtmTicker)
}

func (s *Session) stopTicker(t *clockwork.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) snapshot() Snapshot {
	participants := make([]Participant, 0, len(s.roster))
	for _, p := range s.roster {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool {
		if !participants[i].Balance.Equal(participants[j].Balance) {
			return participants[i].Balance.GreaterThan(participants[j].Balance)
		}
		return participants[i].ID < participants[j].ID
	})

	var item *Item
	if s.current != nil {
		copied := *s.current
		item = &copied
	}

	chat := make([]ChatMessage, len(s.chat))
	copy(chat, s.chat)

	return Snapshot{
		Status:         s.status,
		Participants:   participants,
		CurrentItem:    item,
		Bid:            s.bid,
		TimerRemaining: s.remaining,
		MyBalance:      s.myBalance,
		MyTeamName:     s.cfg.TeamName,
		SoldPage:       s.sold.view(),
		SoldPageNo:     s.sold.current,
		UnsoldPage:     s.unsold.view(),
		UnsoldPageNo:   s.unsold.current,
		RTM:            s.rtm,
		PoolVoteCast:   s.poolVoted,
		Chat:           chat,
	}
}

func (s *Session) notifyRoster() {
	if s.sink == nil {
		return
	}
	peers := make([]PeerInfo, 0, len(s.roster))
	for _, p := range s.roster {
		peers = append(peers, PeerInfo{ID: p.ID, Connected: p.Connected})
	}
	s.sink.RosterChanged(peers)
}

func (s *Session) notify(text string) {
	select {
	case s.notices <- Notice{Text: text}:
	default:
		log.Warn().Str("text", text).Msg("notice buffer full, dropping")
	}
}

func (s *Session) send(frame string) {
	if err := s.conn.Send(frame); err != nil {
		log.Debug().Err(err).Str("frame", frame).Msg("intent dropped, channel not open")
	}
}

func (s *Session) sendJSON(v any) {
	if err := s.conn.SendJSON(v); err != nil {
		log.Debug().Err(err).Msg("intent dropped, channel not open")
	}
}

// teardown releases every derived resource. Safe against double
// invocation through the conn's and sink's own idempotency.
func (s *Session) teardown() {
	s.stopCountdown()
	s.stopTicker(&s.rtmTicker)
	s.conn.Close()
	if s.sink != nil {
		s.sink.Shutdown()
	}
	close(s.done)
}

func (s *Session) post(cmd command) {
	select {
	case s.inbox <- cmd:
	case <-s.done:
	}
}
