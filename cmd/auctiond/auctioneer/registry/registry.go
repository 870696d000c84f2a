package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
)

var (
	log = golog.Logger("auctioneer/registry")

	// maxIDAttempts bounds retries when a generated id collides.
	maxIDAttempts = 5
)

// Expired describes an auction removed by SweepExpired.
type Expired struct {
	ID          auction.AuctionID
	Subscribers []auction.ConnID
}

type subKey struct {
	typ auction.SubscriptionType
	key string
}

// entry holds an auction with its bids and subscribers. mu guards every field
// but auction, which is immutable after Create.
type entry struct {
	auction     auction.Auction
	bids        []auction.Bid
	subscribers map[auction.ConnID]struct{}
	removed     bool

	mu sync.RWMutex
}

// Registry is the in-memory store of active auctions, their bids and their
// subscribers. Lock order is Registry.lk, entry.mu, Registry.subsLk.
type Registry struct {
	maxTTL time.Duration
	newID  func() string

	auctions map[auction.AuctionID]*entry
	lk       sync.RWMutex

	// byConn is the forward index used to release every subscription of a
	// connection. vaults is the reverse index of vault subscriptions.
	byConn map[auction.ConnID]map[subKey]struct{}
	vaults map[string]map[auction.ConnID]struct{}
	subsLk sync.Mutex
}

// New returns a new Registry enforcing maxTTL on auction deadlines.
func New(maxTTL time.Duration) *Registry {
	if maxTTL <= 0 {
		maxTTL = auction.MaxTTL
	}
	return &Registry{
		maxTTL:   maxTTL,
		newID:    uuid.NewString,
		auctions: make(map[auction.AuctionID]*entry),
		byConn:   make(map[auction.ConnID]map[subKey]struct{}),
		vaults:   make(map[string]map[auction.ConnID]struct{}),
	}
}

// Create stores a and returns its new id. The deadline invariant is checked,
// never clamped.
func (r *Registry) Create(a auction.Auction) (auction.AuctionID, error) {
	if err := a.ValidateDeadline(r.maxTTL); err != nil {
		return "", fmt.Errorf("validating auction: %w", err)
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	for i := 0; i < maxIDAttempts; i++ {
		id := auction.AuctionID(r.newID())
		if _, exists := r.auctions[id]; exists {
			log.Warnf("auction id %s collided, retrying", id)
			continue
		}
		a.ID = id
		r.auctions[id] = &entry{
			auction:     a,
			subscribers: make(map[auction.ConnID]struct{}),
		}
		return id, nil
	}
	return "", fmt.Errorf("generating auction id: %d collisions", maxIDAttempts)
}

func (r *Registry) get(id auction.AuctionID) (*entry, error) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	e, ok := r.auctions[id]
	if !ok {
		return nil, auction.ErrAuctionNotFound
	}
	return e, nil
}

// Get returns the auction with id.
func (r *Registry) Get(id auction.AuctionID) (auction.Auction, error) {
	e, err := r.get(id)
	if err != nil {
		return auction.Auction{}, err
	}
	return e.auction, nil
}

// Len returns the number of stored auctions.
func (r *Registry) Len() int {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return len(r.auctions)
}

// AddBid appends b to the bids of auction id. It returns the bid list after
// the insert and the subscribers to notify. The returned slice is never
// written again, so it can be read without holding any lock.
func (r *Registry) AddBid(id auction.AuctionID, b auction.Bid, now time.Time) ([]auction.Bid, []auction.ConnID, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, nil, auction.ErrAuctionNotFound
	}
	if now.After(e.auction.Deadline) {
		return nil, nil, auction.ErrAuctionExpired
	}
	if b.MakerDeadline > e.auction.Deadline.Unix() {
		return nil, nil, fmt.Errorf("%w: maker deadline is after the auction deadline", auction.ErrInvalidDeadline)
	}
	b.AuctionID = id
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = now
	}
	// Copy on write: snapshots handed out earlier keep their length and backing array.
	bids := make([]auction.Bid, len(e.bids), len(e.bids)+1)
	copy(bids, e.bids)
	e.bids = append(bids, b)
	return e.bids, subscribers(e.subscribers), nil
}

// ListBids returns the bids of auction id in arrival order.
func (r *Registry) ListBids(id auction.AuctionID) ([]auction.Bid, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return nil, auction.ErrAuctionNotFound
	}
	return e.bids, nil
}

// Subscribe registers conn for bid snapshots of auction id. It returns the
// current bids and whether the subscription is new.
func (r *Registry) Subscribe(id auction.AuctionID, conn auction.ConnID) ([]auction.Bid, bool, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false, auction.ErrAuctionNotFound
	}
	if _, ok := e.subscribers[conn]; ok {
		return e.bids, false, nil
	}
	e.subscribers[conn] = struct{}{}
	r.trackSub(conn, subKey{typ: auction.SubscriptionAuction, key: string(id)})
	return e.bids, true, nil
}

// Unsubscribe removes conn from the subscribers of auction id. It returns
// false if conn wasn't subscribed.
func (r *Registry) Unsubscribe(id auction.AuctionID, conn auction.ConnID) bool {
	e, err := r.get(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscribers[conn]; !ok {
		return false
	}
	delete(e.subscribers, conn)
	r.untrackSub(conn, subKey{typ: auction.SubscriptionAuction, key: string(id)})
	return true
}

// Subscribers returns the connections subscribed to auction id.
func (r *Registry) Subscribers(id auction.AuctionID) []auction.ConnID {
	e, err := r.get(id)
	if err != nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return subscribers(e.subscribers)
}

// SubscribeVault registers conn for quote updates of a vault key. It returns
// whether the subscription is new.
func (r *Registry) SubscribeVault(key string, conn auction.ConnID) bool {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	subs, ok := r.vaults[key]
	if !ok {
		subs = make(map[auction.ConnID]struct{})
		r.vaults[key] = subs
	}
	if _, ok := subs[conn]; ok {
		return false
	}
	subs[conn] = struct{}{}
	r.trackSubLocked(conn, subKey{typ: auction.SubscriptionVault, key: key})
	return true
}

// UnsubscribeVault removes conn from the subscribers of a vault key.
func (r *Registry) UnsubscribeVault(key string, conn auction.ConnID) bool {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	if !r.removeVaultSubLocked(key, conn) {
		return false
	}
	r.untrackSubLocked(conn, subKey{typ: auction.SubscriptionVault, key: key})
	return true
}

// VaultSubscribers returns the connections subscribed to a vault key.
func (r *Registry) VaultSubscribers(key string) []auction.ConnID {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	return subscribers(r.vaults[key])
}

// RemoveConnection releases every subscription held by conn and returns how
// many were released per type. Calling it again for the same conn is a no-op.
func (r *Registry) RemoveConnection(conn auction.ConnID) map[auction.SubscriptionType]int {
	r.subsLk.Lock()
	keys := r.byConn[conn]
	delete(r.byConn, conn)
	released := make(map[auction.SubscriptionType]int)
	var auctionIDs []auction.AuctionID
	for k := range keys {
		switch k.typ {
		case auction.SubscriptionVault:
			if r.removeVaultSubLocked(k.key, conn) {
				released[k.typ]++
			}
		case auction.SubscriptionAuction:
			auctionIDs = append(auctionIDs, auction.AuctionID(k.key))
		}
	}
	r.subsLk.Unlock()

	for _, id := range auctionIDs {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if _, ok := e.subscribers[conn]; ok {
			delete(e.subscribers, conn)
			released[auction.SubscriptionAuction]++
		}
		e.mu.Unlock()
	}
	return released
}

// SweepExpired removes every auction whose deadline is before now, together
// with its bids and subscriptions. Sweeping twice with the same now removes
// nothing the second time.
func (r *Registry) SweepExpired(now time.Time) []Expired {
	var removed []*entry
	r.lk.Lock()
	for id, e := range r.auctions {
		if now.After(e.auction.Deadline) {
			delete(r.auctions, id)
			removed = append(removed, e)
		}
	}
	r.lk.Unlock()

	res := make([]Expired, 0, len(removed))
	for _, e := range removed {
		e.mu.Lock()
		e.removed = true
		subs := subscribers(e.subscribers)
		e.subscribers = make(map[auction.ConnID]struct{})
		e.bids = nil
		e.mu.Unlock()

		key := subKey{typ: auction.SubscriptionAuction, key: string(e.auction.ID)}
		r.subsLk.Lock()
		for _, conn := range subs {
			r.untrackSubLocked(conn, key)
		}
		r.subsLk.Unlock()

		res = append(res, Expired{ID: e.auction.ID, Subscribers: subs})
	}
	return res
}

func (r *Registry) trackSub(conn auction.ConnID, k subKey) {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	r.trackSubLocked(conn, k)
}

func (r *Registry) untrackSub(conn auction.ConnID, k subKey) {
	r.subsLk.Lock()
	defer r.subsLk.Unlock()
	r.untrackSubLocked(conn, k)
}

func (r *Registry) trackSubLocked(conn auction.ConnID, k subKey) {
	keys, ok := r.byConn[conn]
	if !ok {
		keys = make(map[subKey]struct{})
		r.byConn[conn] = keys
	}
	keys[k] = struct{}{}
}

func (r *Registry) untrackSubLocked(conn auction.ConnID, k subKey) {
	keys, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(keys, k)
	if len(keys) == 0 {
		delete(r.byConn, conn)
	}
}

func (r *Registry) removeVaultSubLocked(key string, conn auction.ConnID) bool {
	subs, ok := r.vaults[key]
	if !ok {
		return false
	}
	if _, ok := subs[conn]; !ok {
		return false
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(r.vaults, key)
	}
	return true
}

func subscribers(set map[auction.ConnID]struct{}) []auction.ConnID {
	res := make([]auction.ConnID, 0, len(set))
	for conn := range set {
		res = append(res, conn)
	}
	return res
}
