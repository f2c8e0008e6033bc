package dirtymem

import "time"

// Request is a pending allocation continuation blocked by pressure.
//
// Exactly one of allocate or fail runs, exactly once: allocate when the
// releaser admits the request, fail when it expires or the group shuts
// down.
type Request struct {
	allocate func()
	fail     func(error)

	enqueuedAt time.Time
	timer      *time.Timer
	index      int
}

// NewRequest creates an allocation request. fail may be nil if the
// caller does not care about expiry or shutdown.
func NewRequest(allocate func(), fail func(error)) *Request {
	return &Request{allocate: allocate, fail: fail, index: -1}
}

func (r *Request) run() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.allocate()
}

func (r *Request) resolveFail(err error) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.fail != nil {
		r.fail(err)
	}
}

// allocationQueue is the FIFO of blocked requests. All methods are
// called with the owning group's mutex held; the returned requests are
// resolved outside it.
type allocationQueue struct {
	reqs []*Request
}

func (q *allocationQueue) len() int {
	return len(q.reqs)
}

func (q *allocationQueue) pushBack(req *Request) {
	req.index = len(q.reqs)
	q.reqs = append(q.reqs, req)
}

func (q *allocationQueue) popFront() *Request {
	req := q.reqs[0]
	q.removeAt(0)
	return req
}

// remove takes req out of the queue, preserving FIFO order among the
// survivors. It returns false if req is no longer queued, which means
// another path already claimed it.
func (q *allocationQueue) remove(req *Request) bool {
	i := req.index
	if i < 0 || i >= len(q.reqs) || q.reqs[i] != req {
		return false
	}
	q.removeAt(i)
	return true
}

func (q *allocationQueue) removeAt(i int) {
	q.reqs[i].index = -1
	copy(q.reqs[i:], q.reqs[i+1:])
	q.reqs[len(q.reqs)-1] = nil
	q.reqs = q.reqs[:len(q.reqs)-1]
	for j := i; j < len(q.reqs); j++ {
		q.reqs[j].index = j
	}
}

// drain empties the queue and returns the abandoned requests.
func (q *allocationQueue) drain() []*Request {
	reqs := q.reqs
	q.reqs = nil
	for _, req := range reqs {
		req.index = -1
	}
	return reqs
}
