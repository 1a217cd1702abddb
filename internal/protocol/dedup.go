package protocol

// tokenDedup suppresses re-delivery of streamed tokens after a resume, where
// replay windows can overlap the frames already surfaced. Retention is
// bounded to the most recent messages: replay never reaches further back
// than the resume window, so evicted messages cannot reappear.
type tokenDedup struct {
	maxMessages int
	order       []string
	seen        map[string]map[int]struct{}
}

func newTokenDedup(maxMessages int) *tokenDedup {
	if maxMessages <= 0 {
		maxMessages = 64
	}
	return &tokenDedup{
		maxMessages: maxMessages,
		seen:        make(map[string]map[int]struct{}),
	}
}

// Seen records (messageID, tokenIndex) and reports whether it was already
// delivered.
func (d *tokenDedup) Seen(messageID string, tokenIndex int) bool {
	if d == nil || messageID == "" {
		return false
	}
	idxs, ok := d.seen[messageID]
	if !ok {
		idxs = make(map[int]struct{})
		d.seen[messageID] = idxs
		d.order = append(d.order, messageID)
		d.evict()
	}
	if _, dup := idxs[tokenIndex]; dup {
		return true
	}
	idxs[tokenIndex] = struct{}{}
	return false
}

func (d *tokenDedup) evict() {
	for len(d.order) > d.maxMessages {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
}
