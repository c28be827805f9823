/*
File: query.go
Version: 1.0.0
Description: Lookup and query lifecycle. A lookup owns up to two queries (A and AAAA); each query is
             broadcast to every nameserver and completes on the first definitive answer, when all
             nameservers have answered, or on timeout. The last completing query finalizes the lookup.
*/

package resolver

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

type lookup struct {
	id     uint32
	name   string
	family Family
	cb     ResultFunc

	a, aaaa    *query
	aStatus    Status
	aaaaStatus Status
	candidates []netip.Addr
}

type query struct {
	id     uint16
	qtype  uint16
	lookup *lookup
	status Status

	// nrNS counts nameservers still expected to answer; sentTo holds exactly those.
	nrNS   int
	sentTo map[*Nameserver]struct{}
	timer  *time.Timer
}

// delivery is a finalized lookup whose callback has not run yet.
type delivery struct {
	id     uint32
	name   string
	status Status
	addrs  []netip.Addr
	cb     ResultFunc
	probe  sourceProber
}

// deliver sorts the candidates and runs the callback. Must be called without r.mu held.
func (d *delivery) deliver(r *Resolver) {
	if d == nil {
		return
	}
	sorted := sortCandidates(d.addrs, d.probe)
	out := make([]string, len(sorted))
	for i, a := range sorted {
		out[i] = a.String()
	}

	lookupsCompleted(d.status).Inc()
	r.debugf("[RESOLVER] Lookup #%d for %s finished: %s %v", d.id, d.name, d.status, out)
	d.cb(d.status, out)
}

func (r *Resolver) startQueriesLocked(lk *lookup) error {
	if lk.family != FamilyIPv6 {
		q, err := r.newQueryLocked(lk, dns.TypeA)
		if err != nil {
			return err
		}
		lk.a = q
	}
	if lk.family != FamilyIPv4 {
		q, err := r.newQueryLocked(lk, dns.TypeAAAA)
		if err != nil {
			if lk.a != nil {
				r.destroyQueryLocked(lk.a)
				lk.a = nil
			}
			return err
		}
		lk.aaaa = q
	}
	return nil
}

// newQueryLocked packs one question and sends it to every nameserver with capacity.
func (r *Resolver) newQueryLocked(lk *lookup, qtype uint16) (*query, error) {
	id := dns.Id()
	for {
		if _, used := r.queries[id]; !used {
			break
		}
		id = dns.Id()
	}

	packet, err := encodeQuestion(lk.name, qtype, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	q := &query{
		id:     id,
		qtype:  qtype,
		lookup: lk,
		status: StatusNoResponse,
		sentTo: make(map[*Nameserver]struct{}, len(r.nameservers)),
	}
	for _, ns := range r.nameservers {
		if !ns.allow() {
			r.debugf("[RESOLVER] Nameserver %s rate limited, skipping query %d", ns, id)
			continue
		}
		if err := ns.send(packet); err != nil {
			r.debugf("[RESOLVER] Send to %s failed: %v", ns, err)
			continue
		}
		q.sentTo[ns] = struct{}{}
		q.nrNS++
	}
	if q.nrNS == 0 {
		return nil, fmt.Errorf("%s %s: %w", lk.name, dns.TypeToString[qtype], ErrSendFailed)
	}

	r.queries[id] = q
	q.timer = time.AfterFunc(r.timeout, func() { r.onQueryTimeout(q) })
	queriesSent.Add(q.nrNS)

	r.debugf("[RESOLVER] Query %d (%s %s) sent to %d nameserver(s)", id, lk.name, dns.TypeToString[qtype], q.nrNS)
	return q, nil
}

// destroyQueryLocked removes q from the query table and stops its timer.
func (r *Resolver) destroyQueryLocked(q *query) {
	if q.timer != nil {
		q.timer.Stop()
	}
	if r.queries[q.id] == q {
		delete(r.queries, q.id)
	}
}

func (r *Resolver) onQueryTimeout(q *query) {
	r.mu.Lock()
	if r.queries[q.id] != q {
		// Completed or cancelled while the timer was firing.
		r.mu.Unlock()
		return
	}
	queryTimeouts.Inc()
	r.debugf("[RESOLVER] Query %d for %s timed out", q.id, q.lookup.name)
	q.status = StatusNoResponse
	d := r.completeQueryLocked(q)
	r.mu.Unlock()

	d.deliver(r)
}

// handleDatagram is called by nameserver reader goroutines for every received datagram.
func (r *Resolver) handleDatagram(ns *Nameserver, buf []byte) {
	resp, err := decodeResponse(buf)
	if err != nil {
		datagramsDropped.Inc()
		r.debugf("[RESOLVER] Dropping datagram from %s: %v", ns, err)
		return
	}

	r.mu.Lock()
	q, ok := r.queries[resp.id]
	if !ok {
		r.mu.Unlock()
		datagramsDropped.Inc()
		r.debugf("[RESOLVER] Dropping reply %d from %s: no such query", resp.id, ns)
		return
	}
	if _, asked := q.sentTo[ns]; !asked {
		r.mu.Unlock()
		datagramsDropped.Inc()
		r.debugf("[RESOLVER] Dropping reply %d from %s: not asked or already answered", resp.id, ns)
		return
	}
	delete(q.sentTo, ns)
	q.nrNS--

	lk := q.lookup
	lk.candidates = append(lk.candidates, resp.addrs...)
	q.status = resp.status

	r.debugf("[RESOLVER] Reply %d from %s: %s, %d address(es), %d outstanding",
		resp.id, ns, resp.status, len(resp.addrs), q.nrNS)

	if resp.status != StatusSuccess && q.nrNS > 0 {
		r.mu.Unlock()
		return
	}
	d := r.completeQueryLocked(q)
	r.mu.Unlock()

	// The callback may flush or close the resolver, which waits for this reader to exit.
	if d != nil {
		go d.deliver(r)
	}
}

// completeQueryLocked retires q and finalizes its lookup when no query is left.
func (r *Resolver) completeQueryLocked(q *query) *delivery {
	r.destroyQueryLocked(q)

	lk := q.lookup
	switch q {
	case lk.a:
		lk.aStatus = q.status
		lk.a = nil
	case lk.aaaa:
		lk.aaaaStatus = q.status
		lk.aaaa = nil
	}
	if lk.a != nil || lk.aaaa != nil {
		return nil
	}
	return r.finalizeLocked(lk)
}

func (r *Resolver) finalizeLocked(lk *lookup) *delivery {
	delete(r.lookups, lk.id)
	return &delivery{
		id:     lk.id,
		name:   lk.name,
		status: lk.overallStatus(),
		addrs:  lk.candidates,
		cb:     lk.cb,
		probe:  r.probe,
	}
}

// overallStatus follows the restricted family's query, otherwise prefers a successful AAAA query.
func (lk *lookup) overallStatus() Status {
	switch lk.family {
	case FamilyIPv4:
		return lk.aStatus
	case FamilyIPv6:
		return lk.aaaaStatus
	}
	if lk.aaaaStatus == StatusSuccess {
		return StatusSuccess
	}
	return lk.aStatus
}
