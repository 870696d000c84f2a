package auctioneer

import (
	"context"
	"fmt"
	"sync"
	"time"

	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer/registry"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/cmd/auctiond/sigs"
	"github.com/textileio/rfq-auction/sempool"
	"go.opentelemetry.io/otel/metric"
)

var (
	log = golog.Logger("auctioneer")

	// DefaultSweepInterval is how often expired auctions are reclaimed.
	DefaultSweepInterval = time.Second * 30
)

// Sender delivers frames to connections. Send must not block; it returns
// false if the frame was dropped.
type Sender interface {
	Send(conn auction.ConnID, frame []byte) bool
}

// AuctionConfig defines auction lifecycle params.
type AuctionConfig struct {
	// DefaultTTL is used when a taker doesn't request a lifetime.
	DefaultTTL time.Duration
	// MaxTTL is the hard cap on an auction lifetime.
	MaxTTL time.Duration
	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
	// Clock replaces time.Now when set.
	Clock func() time.Time
}

func (c *AuctionConfig) setDefaults() {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = auction.DefaultTTL
	}
	if c.MaxTTL <= 0 || c.MaxTTL > auction.MaxTTL {
		c.MaxTTL = auction.MaxTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Auctioneer drives the auction lifecycle: it creates auctions, accepts bids,
// fans bid snapshots out to subscribers and reclaims expired auctions. It also
// relays vault quotes over the same subscription substrate.
type Auctioneer struct {
	conf     AuctionConfig
	reg      *registry.Registry
	verifier *sigs.Verifier
	sender   Sender
	now      func() time.Time

	quotes     map[string]auction.VaultQuote
	quotesLk   sync.Mutex
	vaultLocks *sempool.SemaphorePool

	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lk      sync.Mutex

	metricAuctionsStarted metric.Int64Counter
	metricAuctionsExpired metric.Int64Counter
	metricBidsSubmitted   metric.Int64Counter
	metricSubscriptions   metric.Int64UpDownCounter
	metricVaultQuotes     metric.Int64Counter
	metricFanout          metric.Int64Histogram
	metricDuration        metric.Int64Histogram
	metricOpenAuctions    metric.Int64GaugeObserver
}

// New returns a new Auctioneer. Call Start to run the expiry sweep.
func New(conf AuctionConfig, reg *registry.Registry, verifier *sigs.Verifier, sender Sender) *Auctioneer {
	conf.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Auctioneer{
		conf:       conf,
		reg:        reg,
		verifier:   verifier,
		sender:     sender,
		now:        conf.Clock,
		quotes:     make(map[string]auction.VaultQuote),
		vaultLocks: sempool.NewSemaphorePool(1),
		ctx:        ctx,
		cancel:     cancel,
	}
	a.initMetrics()
	return a
}

// Start runs the periodic expiry sweep until Close is called.
func (a *Auctioneer) Start() {
	a.lk.Lock()
	defer a.lk.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.wg.Add(1)
	go a.sweepLoop()
	log.Infof("auctioneer started; sweeping every %s", a.conf.SweepInterval)
}

// Close stops the expiry sweep.
func (a *Auctioneer) Close() error {
	a.cancel()
	a.wg.Wait()
	log.Info("auctioneer was shutdown")
	return nil
}

func (a *Auctioneer) sweepLoop() {
	defer a.wg.Done()
	t := time.NewTicker(a.conf.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
			a.Sweep(a.ctx, a.now())
		}
	}
}

// Handle dispatches a decoded message from conn. A returned error is meant
// for conn only; it never affects other connections or auctions.
func (a *Auctioneer) Handle(ctx context.Context, conn auction.ConnID, msg message.Message) error {
	start := time.Now()
	defer func() {
		a.metricDuration.Record(ctx, time.Since(start).Milliseconds(), attrType(string(msg.Type())))
	}()

	switch m := msg.(type) {
	case *message.Ping:
		return a.send(conn, message.EncodePong)
	case *message.AuctionStart:
		_, err := a.StartAuction(ctx, conn, m)
		return err
	case *message.AuctionSubscribe:
		return a.Subscribe(ctx, conn, m.AuctionID)
	case *message.AuctionUnsubscribe:
		a.Unsubscribe(ctx, conn, m.AuctionID)
		return nil
	case *message.AuctionBid:
		return a.SubmitBid(ctx, conn, m.Bid)
	case *message.VaultQuoteSubscribe:
		a.SubscribeVault(ctx, conn, m.Key())
		return nil
	case *message.VaultQuoteUnsubscribe:
		a.UnsubscribeVault(ctx, conn, m.Key())
		return nil
	case *message.VaultQuotePublish:
		return a.PublishVaultQuote(ctx, conn, m.Quote)
	default:
		return fmt.Errorf("%w: %s", auction.ErrUnknownMessageType, msg.Type())
	}
}

// StartAuction opens an auction for the taker of m and acks its id to conn.
func (a *Auctioneer) StartAuction(
	ctx context.Context,
	conn auction.ConnID,
	m *message.AuctionStart,
) (auction.AuctionID, error) {
	ttl := m.TTL
	if ttl == 0 {
		ttl = a.conf.DefaultTTL
	}
	if ttl < 0 || ttl > a.conf.MaxTTL {
		return "", fmt.Errorf("%w: ttl %s is outside (0, %s]", auction.ErrInvalidDeadline, ttl, a.conf.MaxTTL)
	}

	now := a.now()
	au := auction.Auction{
		Taker:             m.Taker,
		Wager:             m.Wager,
		Resolver:          m.Resolver,
		PredictedOutcomes: m.PredictedOutcomes,
		TakerNonce:        m.TakerNonce,
		ChainID:           m.ChainID,
		TakerSignature:    m.TakerSignature,
		TakerSignedAt:     m.TakerSignedAt,
		TakerIssuedAt:     m.TakerIssuedAt,
		CreatedAt:         now,
		Deadline:          now.Add(ttl),
	}
	if _, _, err := a.verifier.VerifyTakerStart(&au); err != nil {
		return "", fmt.Errorf("verifying taker signature: %w", err)
	}

	id, err := a.reg.Create(au)
	if err != nil {
		return "", fmt.Errorf("creating auction: %w", err)
	}
	au.ID = id
	a.metricAuctionsStarted.Add(ctx, 1, attrSigned(au.Signed()))
	log.Debugf("auction %s started by %s (signed: %t), deadline %s", id, au.Taker, au.Signed(), au.Deadline)

	return id, a.send(conn, func() ([]byte, error) { return message.EncodeAck(au) })
}

// Subscribe registers conn for bid snapshots of auction id. If the auction
// already has bids, the current snapshot is sent to conn right away.
func (a *Auctioneer) Subscribe(ctx context.Context, conn auction.ConnID, id auction.AuctionID) error {
	bids, isNew, err := a.reg.Subscribe(id, conn)
	if err != nil {
		return fmt.Errorf("subscribing to auction %s: %w", id, err)
	}
	if isNew {
		a.metricSubscriptions.Add(ctx, 1, attrType(string(auction.SubscriptionAuction)))
	}
	if len(bids) == 0 {
		return nil
	}
	return a.send(conn, func() ([]byte, error) { return message.EncodeBids(id, bids) })
}

// Unsubscribe stops bid snapshots of auction id for conn.
func (a *Auctioneer) Unsubscribe(ctx context.Context, conn auction.ConnID, id auction.AuctionID) {
	if a.reg.Unsubscribe(id, conn) {
		a.metricSubscriptions.Add(ctx, -1, attrType(string(auction.SubscriptionAuction)))
	}
}

// SubmitBid verifies and stores a maker bid, then broadcasts the full bid
// list to every subscriber of the auction. The bidder gets no direct ack.
func (a *Auctioneer) SubmitBid(ctx context.Context, conn auction.ConnID, b auction.Bid) (err error) {
	defer func() {
		a.metricBidsSubmitted.Add(ctx, 1, statusAttr(err))
	}()

	au, err := a.reg.Get(b.AuctionID)
	if err != nil {
		return fmt.Errorf("getting auction %s: %w", b.AuctionID, err)
	}
	now := a.now()
	if au.Status(now) == auction.AuctionStatusExpired {
		return fmt.Errorf("bidding on auction %s: %w", au.ID, auction.ErrAuctionExpired)
	}
	if !acceptBid(&au, &b) {
		return fmt.Errorf("%w: bid terms don't match auction %s", auction.ErrInvalidMessage, au.ID)
	}
	if _, err := a.verifier.VerifyMakerBid(&b, au.ChainID); err != nil {
		return fmt.Errorf("verifying maker signature: %w", err)
	}
	if b.MakerDeadline < now.Unix() {
		return fmt.Errorf("%w: maker deadline has elapsed", auction.ErrInvalidDeadline)
	}

	b.ReceivedAt = now
	bids, subs, err := a.reg.AddBid(au.ID, b, now)
	if err != nil {
		return fmt.Errorf("adding bid: %w", err)
	}
	log.Debugf("auction %s received bid from %s for %s (%d total)", au.ID, b.Maker, b.MakerWager, len(bids))

	frame, err := message.EncodeBids(au.ID, bids)
	if err != nil {
		return err
	}
	a.broadcast(ctx, subs, frame)
	return nil
}

// acceptBid returns true if the taker-side terms echoed by b are the ones of a.
func acceptBid(a *auction.Auction, b *auction.Bid) bool {
	return b.Taker == a.Taker && b.Resolver == a.Resolver
}

// Sweep reclaims every auction expired at now and notifies its remaining
// subscribers with auction.expired.
func (a *Auctioneer) Sweep(ctx context.Context, now time.Time) []auction.AuctionID {
	expired := a.reg.SweepExpired(now)
	ids := make([]auction.AuctionID, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.ID)
		a.metricAuctionsExpired.Add(ctx, 1)
		if len(e.Subscribers) == 0 {
			continue
		}
		a.metricSubscriptions.Add(ctx, -int64(len(e.Subscribers)), attrType(string(auction.SubscriptionAuction)))
		frame, err := message.EncodeExpired(e.ID)
		if err != nil {
			log.Errorf("encoding expiry of %s: %v", e.ID, err)
			continue
		}
		a.broadcast(ctx, e.Subscribers, frame)
	}
	if len(ids) > 0 {
		log.Debugf("swept %d expired auctions", len(ids))
	}
	return ids
}

// ReleaseConnection drops every subscription held by conn.
func (a *Auctioneer) ReleaseConnection(ctx context.Context, conn auction.ConnID) {
	for typ, n := range a.reg.RemoveConnection(conn) {
		a.metricSubscriptions.Add(ctx, -int64(n), attrType(string(typ)))
	}
}

func (a *Auctioneer) broadcast(ctx context.Context, subs []auction.ConnID, frame []byte) {
	a.metricFanout.Record(ctx, int64(len(subs)))
	for _, conn := range subs {
		if !a.sender.Send(conn, frame) {
			log.Debugf("dropped frame for %s", conn)
		}
	}
}

func (a *Auctioneer) send(conn auction.ConnID, encode func() ([]byte, error)) error {
	frame, err := encode()
	if err != nil {
		return err
	}
	if !a.sender.Send(conn, frame) {
		log.Debugf("dropped frame for %s", conn)
	}
	return nil
}
