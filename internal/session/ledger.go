package session

// ledger is one bounded resolved-item list (sold or unsold). It keeps at
// most two in-memory pages of fixed size; new entries are prepended to
// page one and overflow cascades into page two, whose own overflow is
// dropped. Pages beyond the in-memory window are fetched from the
// history collaborator and cached per page number.
type ledger[E any] struct {
	pageSize int
	pages    [2][]E
	fetched  map[int][]E
	current  int
}

func newLedger[E any](pageSize int) *ledger[E] {
	return &ledger[E]{
		pageSize: pageSize,
		fetched:  make(map[int][]E),
		current:  1,
	}
}

// prepend pushes a freshly resolved entry onto the front of page one,
// cascading the evicted oldest entry into page two.
func (l *ledger[E]) prepend(e E) {
	l.pages[0] = append([]E{e}, l.pages[0]...)
	if len(l.pages[0]) > l.pageSize {
		last := l.pages[0][len(l.pages[0])-1]
		l.pages[0] = l.pages[0][:l.pageSize]
		l.pages[1] = append([]E{last}, l.pages[1]...)
		if len(l.pages[1]) > l.pageSize {
			l.pages[1] = l.pages[1][:l.pageSize]
		}
	}
}

// inMemory reports whether page is served without a collaborator fetch.
func (l *ledger[E]) inMemory(page int) bool {
	if page == 1 || page == 2 {
		return true
	}
	_, ok := l.fetched[page]
	return ok
}

// setFetched caches a remotely fetched page.
func (l *ledger[E]) setFetched(page int, entries []E) {
	l.fetched[page] = entries
}

// view returns a copy of the current page.
func (l *ledger[E]) view() []E {
	var src []E
	switch l.current {
	case 1:
		src = l.pages[0]
	case 2:
		src = l.pages[1]
	default:
		src = l.fetched[l.current]
	}
	out := make([]E, len(src))
	copy(out, src)
	return out
}
