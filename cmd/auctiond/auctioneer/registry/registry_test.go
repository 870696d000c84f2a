package registry

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/rfq-auction/auction"
)

var now = time.Unix(1700000000, 0)

func newAuction(ttl time.Duration) auction.Auction {
	return auction.Auction{
		Taker:     common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Wager:     big.NewInt(100),
		CreatedAt: now,
		Deadline:  now.Add(ttl),
	}
}

func newBid(maker byte, wager int64) auction.Bid {
	return auction.Bid{
		Maker:         common.BytesToAddress([]byte{maker}),
		MakerWager:    big.NewInt(wager),
		MakerDeadline: now.Add(time.Second * 30).Unix(),
	}
}

func sortConns(conns []auction.ConnID) []auction.ConnID {
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })
	return conns
}

func TestRegistry_CreateDeadlineInvariant(t *testing.T) {
	t.Parallel()
	r := New(auction.MaxTTL)

	for _, tc := range []struct {
		ttl   time.Duration
		valid bool
	}{
		{time.Second, true},
		{auction.DefaultTTL, true},
		{auction.MaxTTL, true},
		{auction.MaxTTL + time.Nanosecond, false},
		{0, false},
		{-time.Minute, false},
	} {
		id, err := r.Create(newAuction(tc.ttl))
		if !tc.valid {
			require.ErrorIs(t, err, auction.ErrInvalidDeadline, tc.ttl.String())
			continue
		}
		require.NoError(t, err, tc.ttl.String())
		a, err := r.Get(id)
		require.NoError(t, err)
		assert.Equal(t, id, a.ID)
		ttl := a.Deadline.Sub(a.CreatedAt)
		assert.True(t, ttl > 0 && ttl <= auction.MaxTTL)
	}
	assert.Equal(t, 3, r.Len())

	_, err := r.Get("missing")
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)
}

func TestRegistry_CreateIDCollision(t *testing.T) {
	t.Parallel()
	r := New(0)
	ids := []string{"same", "same", "other"}
	var i int
	r.newID = func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}

	id1, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	id2, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, auction.AuctionID("same"), id1)
	assert.Equal(t, auction.AuctionID("other"), id2)

	r.newID = func() string { return "same" }
	_, err = r.Create(newAuction(time.Minute))
	require.Error(t, err)
}

func TestRegistry_AddBid(t *testing.T) {
	t.Parallel()
	r := New(0)
	id, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)

	_, _, err = r.AddBid("missing", newBid(1, 10), now)
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)

	late := newBid(1, 10)
	late.MakerDeadline = now.Add(time.Minute + time.Second).Unix()
	_, _, err = r.AddBid(id, late, now)
	require.ErrorIs(t, err, auction.ErrInvalidDeadline)

	_, _, err = r.AddBid(id, newBid(1, 10), now.Add(time.Minute+time.Millisecond))
	require.ErrorIs(t, err, auction.ErrAuctionExpired)

	first, subs, err := r.AddBid(id, newBid(1, 10), now)
	require.NoError(t, err)
	require.Empty(t, subs)
	require.Len(t, first, 1)
	assert.Equal(t, id, first[0].AuctionID)
	assert.Equal(t, now, first[0].ReceivedAt)

	// Same maker bidding again is appended.
	second, _, err := r.AddBid(id, newBid(1, 20), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, int64(20), second[1].MakerWager.Int64())

	// Earlier snapshots are untouched.
	require.Len(t, first, 1)
	assert.Equal(t, int64(10), first[0].MakerWager.Int64())

	bids, err := r.ListBids(id)
	require.NoError(t, err)
	assert.Equal(t, second, bids)
}

func TestRegistry_Isolation(t *testing.T) {
	t.Parallel()
	r := New(0)
	a, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	b, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)

	_, isNew, err := r.Subscribe(a, "ca")
	require.NoError(t, err)
	require.True(t, isNew)
	_, _, err = r.Subscribe(b, "cb")
	require.NoError(t, err)

	bids, subs, err := r.AddBid(a, newBid(1, 10), now)
	require.NoError(t, err)
	assert.Equal(t, []auction.ConnID{"ca"}, subs)
	require.Len(t, bids, 1)

	bBids, err := r.ListBids(b)
	require.NoError(t, err)
	assert.Empty(t, bBids)
	assert.Equal(t, []auction.ConnID{"cb"}, r.Subscribers(b))
}

func TestRegistry_Subscribe(t *testing.T) {
	t.Parallel()
	r := New(0)
	id, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)

	_, _, err = r.Subscribe("missing", "c1")
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)

	_, _, err = r.AddBid(id, newBid(1, 10), now)
	require.NoError(t, err)

	bids, isNew, err := r.Subscribe(id, "c1")
	require.NoError(t, err)
	require.True(t, isNew)
	require.Len(t, bids, 1)

	_, isNew, err = r.Subscribe(id, "c1")
	require.NoError(t, err)
	require.False(t, isNew)
	assert.Len(t, r.Subscribers(id), 1)

	require.True(t, r.Unsubscribe(id, "c1"))
	require.False(t, r.Unsubscribe(id, "c1"))
	require.False(t, r.Unsubscribe("missing", "c1"))
	assert.Empty(t, r.Subscribers(id))
}

func TestRegistry_Vaults(t *testing.T) {
	t.Parallel()
	r := New(0)
	require.True(t, r.SubscribeVault("1:0xa", "c1"))
	require.False(t, r.SubscribeVault("1:0xa", "c1"))
	require.True(t, r.SubscribeVault("1:0xa", "c2"))
	require.True(t, r.SubscribeVault("1:0xb", "c1"))

	assert.Equal(t, []auction.ConnID{"c1", "c2"}, sortConns(r.VaultSubscribers("1:0xa")))
	require.True(t, r.UnsubscribeVault("1:0xa", "c2"))
	require.False(t, r.UnsubscribeVault("1:0xa", "c2"))
	assert.Equal(t, []auction.ConnID{"c1"}, r.VaultSubscribers("1:0xa"))
	assert.Empty(t, r.VaultSubscribers("1:0xc"))
}

func TestRegistry_RemoveConnection(t *testing.T) {
	t.Parallel()
	r := New(0)
	a, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	b, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)

	for _, id := range []auction.AuctionID{a, b} {
		_, _, err := r.Subscribe(id, "c1")
		require.NoError(t, err)
		_, _, err = r.Subscribe(id, "c2")
		require.NoError(t, err)
	}
	r.SubscribeVault("1:0xa", "c1")
	r.SubscribeVault("1:0xa", "c2")

	released := r.RemoveConnection("c1")
	assert.Equal(t, map[auction.SubscriptionType]int{
		auction.SubscriptionAuction: 2,
		auction.SubscriptionVault:   1,
	}, released)
	assert.Equal(t, []auction.ConnID{"c2"}, r.Subscribers(a))
	assert.Equal(t, []auction.ConnID{"c2"}, r.Subscribers(b))
	assert.Equal(t, []auction.ConnID{"c2"}, r.VaultSubscribers("1:0xa"))

	// Releasing twice is a no-op.
	assert.Empty(t, r.RemoveConnection("c1"))
	assert.Empty(t, r.RemoveConnection("never-seen"))
}

func TestRegistry_SweepExpired(t *testing.T) {
	t.Parallel()
	r := New(0)
	short, err := r.Create(newAuction(time.Second * 10))
	require.NoError(t, err)
	long, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	_, _, err = r.Subscribe(short, "c1")
	require.NoError(t, err)
	_, _, err = r.Subscribe(long, "c1")
	require.NoError(t, err)

	// The deadline itself is still open.
	assert.Empty(t, r.SweepExpired(now.Add(time.Second*10)))

	at := now.Add(time.Second * 11)
	expired := r.SweepExpired(at)
	require.Len(t, expired, 1)
	assert.Equal(t, short, expired[0].ID)
	assert.Equal(t, []auction.ConnID{"c1"}, expired[0].Subscribers)

	assert.Empty(t, r.SweepExpired(at))
	_, err = r.Get(short)
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)
	_, _, err = r.AddBid(short, newBid(1, 1), now)
	require.ErrorIs(t, err, auction.ErrAuctionNotFound)
	assert.Equal(t, 1, r.Len())

	// Only the live subscription is left to release.
	assert.Equal(t, map[auction.SubscriptionType]int{auction.SubscriptionAuction: 1}, r.RemoveConnection("c1"))
}

func TestRegistry_ConcurrentBids(t *testing.T) {
	t.Parallel()
	r := New(0)
	id, err := r.Create(newAuction(time.Minute))
	require.NoError(t, err)
	_, _, err = r.Subscribe(id, "c1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bids, _, err := r.AddBid(id, newBid(byte(i), int64(i)), now)
			if err != nil {
				panic(fmt.Sprintf("adding bid: %v", err))
			}
			// A snapshot always holds complete bids.
			for _, b := range bids {
				if b.MakerWager == nil {
					panic("partial bid")
				}
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.ListBids(id)
			_ = r.Subscribers(id)
		}()
	}
	wg.Wait()

	bids, err := r.ListBids(id)
	require.NoError(t, err)
	assert.Len(t, bids, 20)
}
