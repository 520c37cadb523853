package session

import "github.com/shopspring/decimal"

// Intent emitter: thin operations that serialize user intent onto the
// room channel. Every one of them is a silent no-op once the session has
// shut down or the channel is closed; the remote authority remains the
// arbiter of whether the intent was legal.

// Start asks the authority to start (or resume) the auction.
func (s *Session) Start() { s.post(intentFrame{frame: cmdStart}) }

// Bid places a bid on the open item.
func (s *Session) Bid() { s.post(intentFrame{frame: cmdBid}) }

// Pause asks the authority to pause the auction.
func (s *Session) Pause() { s.post(intentFrame{frame: cmdPause}) }

// End asks the authority to end the auction.
func (s *Session) End() { s.post(intentFrame{frame: cmdEnd}) }

// RequestRoster re-requests the full participant list.
func (s *Session) RequestRoster() { s.post(intentFrame{frame: cmdGetRoster}) }

// Skip declines the open item. At most one skip goes out per item.
func (s *Session) Skip() { s.post(intentSkip{}) }

// VoteSkipPool casts this client's vote to skip the rest of the current
// pool. At most one vote goes out per pool.
func (s *Session) VoteSkipPool() { s.post(intentPoolVote{}) }

// SendChat publishes one transcript line under the local team name.
func (s *Session) SendChat(text string) { s.post(intentChat{text: text}) }

// ConfirmRTMUse answers the use-RTM prompt affirmatively and moves the
// negotiation to amount entry.
func (s *Session) ConfirmRTMUse() { s.post(rtmConfirmUse{}) }

// SubmitRTMAmount sends the right-to-match amount.
func (s *Session) SubmitRTMAmount(amount decimal.Decimal) {
	s.post(rtmSubmitAmount{amount: amount})
}

// AcceptRTM accepts a received right-to-match offer.
func (s *Session) AcceptRTM() { s.post(rtmAccept{}) }

// DeclineRTM declines the pending right-to-match interaction, whichever
// side of it this client is on.
func (s *Session) DeclineRTM() { s.post(rtmDecline{}) }

// SoldPage switches the sold ledger view to the given page, fetching it
// from the history collaborator when it is beyond the in-memory window.
func (s *Session) SoldPage(page int) { s.post(ledgerPageReq{sold: true, page: page}) }

// UnsoldPage is SoldPage for the unsold ledger.
func (s *Session) UnsoldPage(page int) { s.post(ledgerPageReq{sold: false, page: page}) }

// Snapshot returns the current immutable state view. The zero Snapshot
// is returned after shutdown.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case s.inbox <- snapshotReq{reply: reply}:
	case <-s.done:
		return Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-s.done:
		return Snapshot{}
	}
}

// Close closes the underlying channel, which ends the session.
func (s *Session) Close() { s.post(closeReq{}) }
