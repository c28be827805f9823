/*
File: resolver.go
Version: 1.0.0
Description: Asynchronous stub resolver. Lookups fan A/AAAA queries out to every configured
             nameserver over UDP, collect the answers and deliver one sorted result per lookup.
             All resolver state is guarded by a single mutex; result callbacks always run with it released.
*/

package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tevino/abool"
	"golang.org/x/net/idna"

	"asyncnet/internal/logger"
)

const DefaultQueryTimeout = 5 * time.Second

var (
	ErrClosed        = errors.New("resolver closed")
	ErrNoNameservers = errors.New("no nameservers configured")
	ErrSendFailed    = errors.New("query could not be sent to any nameserver")
	ErrInvalidName   = errors.New("invalid hostname")
)

// ResultFunc receives the outcome of a lookup. It is called exactly once per lookup
// that is not cancelled, from a resolver goroutine and never from inside a resolver method,
// so it may start lookups, flush nameservers or close the resolver. addrs is owned by the callee.
type ResultFunc func(status Status, addrs []string)

type Resolver struct {
	ifIndex int

	mu           sync.Mutex
	nameservers  []*Nameserver
	queries      map[uint16]*query
	lookups      map[uint32]*lookup
	nextLookupID uint32
	family       Family
	timeout      time.Duration
	qps          int
	resolvConf   string
	probe        sourceProber

	debug  atomic.Pointer[slog.Logger]
	closed *abool.AtomicBool
}

// New creates a resolver whose sockets are bound to the interface with index ifIndex
// (0 leaves the choice to the routing table).
func New(ifIndex int) *Resolver {
	return &Resolver{
		ifIndex:    ifIndex,
		queries:    make(map[uint16]*query),
		lookups:    make(map[uint32]*lookup),
		timeout:    DefaultQueryTimeout,
		resolvConf: defaultResolvConf,
		probe:      probeSource(ifIndex),
		closed:     abool.New(),
	}
}

// SetAddressFamily restricts future lookups to one address family.
func (r *Resolver) SetAddressFamily(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.family = f
}

// SetQueryTimeout changes how long future queries wait for an answer.
func (r *Resolver) SetQueryTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// SetNameserverQPS limits how many queries per second each nameserver is sent.
// Zero disables the limit.
func (r *Resolver) SetNameserverQPS(qps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qps = qps
	for _, ns := range r.nameservers {
		ns.setQPS(qps)
	}
}

// SetDebugLogger directs the resolver's debug trace to l. Nil restores the process logger.
func (r *Resolver) SetDebugLogger(l *slog.Logger) {
	r.debug.Store(l)
}

// SetResolvConf overrides the file consulted when no nameserver has been configured.
func (r *Resolver) SetResolvConf(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvConf = path
}

func (r *Resolver) debugf(format string, v ...any) {
	if l := r.debug.Load(); l != nil {
		logger.Logf(l, slog.LevelDebug, format, v...)
		return
	}
	logger.Logf(logger.Logger(), slog.LevelDebug, format, v...)
}

// AddNameserver adds a numeric nameserver address. Port 0 means 53.
// Adding an address/port pair that is already configured is a no-op.
func (r *Resolver) AddNameserver(addr string, port int, flags Flags) error {
	if r.closed.IsSet() {
		return ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addNameserverLocked(addr, port, flags)
}

func (r *Resolver) addNameserverLocked(addr string, port int, flags Flags) error {
	ns, err := openNameserver(r.ifIndex, addr, port, flags)
	if err != nil {
		return err
	}
	for _, existing := range r.nameservers {
		if existing.addr == ns.addr {
			ns.conn.Close()
			return nil
		}
	}
	ns.setQPS(r.qps)
	r.nameservers = append(r.nameservers, ns)
	go ns.readLoop(r.handleDatagram)

	r.debugf("[RESOLVER] Added nameserver %s (flags=%d)", ns, flags)
	return nil
}

// importSystemLocked loads the system nameservers, falling back to 127.0.0.1:53.
func (r *Resolver) importSystemLocked() {
	servers, port, err := systemNameservers(r.resolvConf)
	if err != nil {
		r.debugf("[RESOLVER] Cannot read %s: %v", r.resolvConf, err)
	}
	for _, s := range servers {
		if err := r.addNameserverLocked(s, port, FlagSystem); err != nil {
			logger.Warn("[RESOLVER] Skipping system nameserver %s: %v", s, err)
		}
	}
	if len(r.nameservers) == 0 {
		if err := r.addNameserverLocked("127.0.0.1", defaultDNSPort, FlagSystem); err != nil {
			logger.Warn("[RESOLVER] Cannot add fallback nameserver: %v", err)
		}
	}
}

// Nameservers lists the configured nameservers as host:port strings.
func (r *Resolver) Nameservers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.nameservers))
	for i, ns := range r.nameservers {
		out[i] = ns.String()
	}
	return out
}

// FlushNameservers closes and forgets every nameserver. Queries already in flight
// keep waiting for their timeout.
func (r *Resolver) FlushNameservers() error {
	r.mu.Lock()
	list := r.nameservers
	r.nameservers = nil
	r.mu.Unlock()

	// Reader goroutines take r.mu, so sockets are closed outside the lock.
	var result *multierror.Error
	for _, ns := range list {
		if err := ns.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", ns, err))
		}
	}
	return result.ErrorOrNil()
}

// LookupHostname starts resolving name and returns the lookup id. cb is invoked once
// with the sorted address list, unless the lookup is cancelled first.
// An address literal is not queried: it completes with StatusSuccess and itself as the
// only address, whatever the address family setting.
func (r *Resolver) LookupHostname(name string, cb ResultFunc) (uint32, error) {
	if cb == nil {
		return 0, errors.New("nil result callback")
	}
	if r.closed.IsSet() {
		return 0, ErrClosed
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(name)); err == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lookupLiteralLocked(addr, cb), nil
	}
	ascii, err := normalizeName(name)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nameservers) == 0 {
		r.importSystemLocked()
	}
	if len(r.nameservers) == 0 {
		return 0, ErrNoNameservers
	}

	lk := r.newLookupLocked(ascii, cb)

	if err := r.startQueriesLocked(lk); err != nil {
		return 0, err
	}
	r.lookups[lk.id] = lk
	lookupsStarted.Inc()

	r.debugf("[RESOLVER] Lookup #%d started for %s (family=%s)", lk.id, ascii, lk.family)
	return lk.id, nil
}

func (r *Resolver) newLookupLocked(name string, cb ResultFunc) *lookup {
	r.nextLookupID++
	if r.nextLookupID == 0 {
		r.nextLookupID++
	}
	return &lookup{
		id:         r.nextLookupID,
		name:       name,
		family:     r.family,
		cb:         cb,
		aStatus:    StatusNoResponse,
		aaaaStatus: StatusNoResponse,
	}
}

// lookupLiteralLocked registers an already answered lookup for addr. It is finalized on its
// own goroutine so it stays cancellable and cb never runs inside LookupHostname.
func (r *Resolver) lookupLiteralLocked(addr netip.Addr, cb ResultFunc) uint32 {
	lk := r.newLookupLocked(addr.String(), cb)
	lk.aStatus, lk.aaaaStatus = StatusSuccess, StatusSuccess
	lk.candidates = []netip.Addr{addr}
	r.lookups[lk.id] = lk
	lookupsStarted.Inc()

	go func() {
		r.mu.Lock()
		if r.lookups[lk.id] != lk {
			r.mu.Unlock()
			return
		}
		d := r.finalizeLocked(lk)
		r.mu.Unlock()
		d.deliver(r)
	}()
	return lk.id
}

// CancelLookup drops a pending lookup and its queries. It reports false when the id is
// unknown or the result is already being delivered.
func (r *Resolver) CancelLookup(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLookupLocked(id)
}

func (r *Resolver) cancelLookupLocked(id uint32) bool {
	lk, ok := r.lookups[id]
	if !ok {
		return false
	}
	r.dropLookupLocked(lk)
	lookupsCancelled.Inc()
	r.debugf("[RESOLVER] Lookup #%d cancelled", id)
	return true
}

func (r *Resolver) dropLookupLocked(lk *lookup) {
	if lk.a != nil {
		r.destroyQueryLocked(lk.a)
	}
	if lk.aaaa != nil {
		r.destroyQueryLocked(lk.aaaa)
	}
	delete(r.lookups, lk.id)
}

// Resolve is a blocking wrapper around LookupHostname that gives up when ctx ends.
func (r *Resolver) Resolve(ctx context.Context, name string) (Status, []string, error) {
	type result struct {
		status Status
		addrs  []string
	}
	ch := make(chan result, 1)

	id, err := r.LookupHostname(name, func(s Status, addrs []string) {
		ch <- result{s, addrs}
	})
	if err != nil {
		return StatusGenericError, nil, err
	}

	select {
	case res := <-ch:
		return res.status, res.addrs, nil
	case <-ctx.Done():
		if r.CancelLookup(id) {
			return StatusGenericError, nil, ctx.Err()
		}
		// Already finalized: the callback is on its way.
		res := <-ch
		return res.status, res.addrs, nil
	}
}

// Pending reports the number of lookups and queries in flight.
func (r *Resolver) Pending() (lookups, queries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lookups), len(r.queries)
}

// Close cancels every pending lookup without invoking callbacks and releases the nameservers.
func (r *Resolver) Close() error {
	if !r.closed.SetToIf(false, true) {
		return nil
	}
	r.mu.Lock()
	for _, lk := range r.lookups {
		r.dropLookupLocked(lk)
	}
	r.mu.Unlock()
	return r.FlushNameservers()
}

// normalizeName converts name to its ASCII (punycode) form and rejects empty input.
func normalizeName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return ascii, nil
}
