package bridge

import (
	"encoding/json"
	"time"
)

// PendingRequest is a bridge-originated request awaiting its RESPONSE.
type PendingRequest struct {
	ID       string
	IssuedAt time.Time

	reply chan requestResult
}

type requestResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequests is owned by the manager loop; it needs no locking.
type pendingRequests struct {
	entries map[string]*PendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{entries: make(map[string]*PendingRequest)}
}

func (p *pendingRequests) add(id string, issuedAt time.Time) *PendingRequest {
	req := &PendingRequest{ID: id, IssuedAt: issuedAt, reply: make(chan requestResult, 1)}
	p.entries[id] = req
	return req
}

// resolve delivers payload to the request with id and reports whether one
// was waiting.
func (p *pendingRequests) resolve(id string, payload json.RawMessage) bool {
	req, ok := p.entries[id]
	if !ok {
		return false
	}
	delete(p.entries, id)
	req.reply <- requestResult{payload: payload}
	return true
}

func (p *pendingRequests) forget(id string) {
	delete(p.entries, id)
}

// rejectAll fails every outstanding request with err and empties the map.
func (p *pendingRequests) rejectAll(err error) int {
	n := len(p.entries)
	for id, req := range p.entries {
		req.reply <- requestResult{err: err}
		delete(p.entries, id)
	}
	return n
}

func (p *pendingRequests) len() int { return len(p.entries) }
