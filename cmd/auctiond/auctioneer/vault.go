package auctioneer

import (
	"context"
	"fmt"

	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/metrics"
)

// SubscribeVault registers conn for quote updates of a vault. The latest
// known quote is sent to conn right away.
func (a *Auctioneer) SubscribeVault(ctx context.Context, conn auction.ConnID, key string) {
	if a.reg.SubscribeVault(key, conn) {
		a.metricSubscriptions.Add(ctx, 1, attrType(string(auction.SubscriptionVault)))
	}
	q, ok := a.LatestQuote(key)
	if !ok {
		return
	}
	if err := a.send(conn, func() ([]byte, error) { return message.EncodeVaultQuoteUpdate(q) }); err != nil {
		log.Errorf("sending latest quote of %s: %v", key, err)
	}
}

// UnsubscribeVault stops quote updates of a vault for conn.
func (a *Auctioneer) UnsubscribeVault(ctx context.Context, conn auction.ConnID, key string) {
	if a.reg.UnsubscribeVault(key, conn) {
		a.metricSubscriptions.Add(ctx, -1, attrType(string(auction.SubscriptionVault)))
	}
}

// PublishVaultQuote verifies that q comes from a known vault operator, then
// relays it to the vault subscribers and acks the publisher.
func (a *Auctioneer) PublishVaultQuote(ctx context.Context, conn auction.ConnID, q auction.VaultQuote) (err error) {
	defer func() {
		metrics.MetricIncrCounter(ctx, err, a.metricVaultQuotes)
	}()

	if _, err := a.verifier.VerifyVaultQuote(&q); err != nil {
		return fmt.Errorf("verifying vault quote: %w", err)
	}

	// Quotes of a vault are relayed one at a time so subscribers never see
	// them out of order.
	sem := a.vaultLocks.Get(&q)
	sem.Acquire()
	defer sem.Release()

	key := q.Key()
	a.quotesLk.Lock()
	if last, ok := a.quotes[key]; ok && last.Timestamp > q.Timestamp {
		a.quotesLk.Unlock()
		log.Debugf("ignoring quote for %s older than the latest one", key)
		return a.send(conn, message.EncodeVaultQuoteAck)
	}
	a.quotes[key] = q
	a.quotesLk.Unlock()

	frame, err := message.EncodeVaultQuoteUpdate(q)
	if err != nil {
		return err
	}
	a.broadcast(ctx, a.reg.VaultSubscribers(key), frame)
	return a.send(conn, message.EncodeVaultQuoteAck)
}

// LatestQuote returns the last quote relayed for a vault key.
func (a *Auctioneer) LatestQuote(key string) (auction.VaultQuote, bool) {
	a.quotesLk.Lock()
	defer a.quotesLk.Unlock()
	q, ok := a.quotes[key]
	return q, ok
}
