package auctioneer

import (
	"container/heap"
	"time"

	"github.com/textileio/rfq-auction/auction"
)

// Cmp is the interface for a comparator.
type Cmp interface {
	// Cmp returns arbitrary number with the following semantics:
	// negative: i is considered to be less than j
	// zero: i is considered to be equal to j
	// positive: i is considered to be greater than j
	// Lesser bids are preferred.
	Cmp(i auction.Bid, j auction.Bid) int
}

// CmpFn is a helper which turns a function to a Cmp interface.
func CmpFn(f func(i auction.Bid, j auction.Bid) int) Cmp {
	return fnCmp{f: f}
}

type fnCmp struct {
	f func(auction.Bid, auction.Bid) int
}

func (c fnCmp) Cmp(i auction.Bid, j auction.Bid) int {
	return c.f(i, j)
}

type ordered struct {
	cmps []Cmp
}

// Ordered executes each comparator in order, i.e., if the first comparator
// judges the two bids to be equal, continues to the next comparator, and so
// on. It considers two bids to be equal if all comparators are exhausted.
func Ordered(cmps ...Cmp) Cmp {
	return ordered{cmps}
}

func (c ordered) Cmp(i auction.Bid, j auction.Bid) int {
	for _, c := range c.cmps {
		if result := c.Cmp(i, j); result != 0 {
			return result
		}
	}
	return 0
}

// HigherMakerWager returns a comparator which prefers the bid paying the
// taker the most.
func HigherMakerWager() Cmp {
	return CmpFn(func(i auction.Bid, j auction.Bid) int {
		return j.MakerWager.Cmp(i.MakerWager)
	})
}

// EarlierArrival returns a comparator which prefers the bid received first.
func EarlierArrival() Cmp {
	return CmpFn(func(i auction.Bid, j auction.Bid) int {
		switch {
		case i.ReceivedAt.Before(j.ReceivedAt):
			return -1
		case i.ReceivedAt.After(j.ReceivedAt):
			return 1
		default:
			return 0
		}
	})
}

// LaterMakerDeadline returns a comparator which prefers the bid that stays
// valid the longest.
func LaterMakerDeadline() Cmp {
	return CmpFn(func(i auction.Bid, j auction.Bid) int {
		return int(j.MakerDeadline - i.MakerDeadline)
	})
}

// BestBid picks the bid with the highest maker wager among the bids whose
// maker deadline hasn't elapsed at now. Ties go to the earliest arrival.
// Selection is advisory; the server never enforces a winner.
func BestBid(bids []auction.Bid, now time.Time) (auction.Bid, bool) {
	live := make([]auction.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Live(now) {
			live = append(live, b)
		}
	}
	return BidsSorter(live).Iterate(Ordered(HigherMakerWager(), EarlierArrival())).Next()
}

// LatestPerMaker keeps the last bid of every maker, in arrival order.
func LatestPerMaker(bids []auction.Bid) []auction.Bid {
	last := make(map[string]int, len(bids))
	for i, b := range bids {
		last[b.Maker.Hex()] = i
	}
	res := make([]auction.Bid, 0, len(last))
	for i, b := range bids {
		if last[b.Maker.Hex()] == i {
			res = append(res, b)
		}
	}
	return res
}

// BidsSorter constructs a sorter from the given bids.
func BidsSorter(bids []auction.Bid) Sorter {
	return Sorter{bids: bids}
}

// Sorter sorts bids based on a comparator.
type Sorter struct {
	bids []auction.Bid
}

// Iterate returns an iterator over the bids from the most to the least
// preferred by cmp. The bids given to BidsSorter are not modified.
func (s Sorter) Iterate(cmp Cmp) *Iterator {
	h := make([]auction.Bid, len(s.bids))
	copy(h, s.bids)
	bh := &bidHeap{h: h, cmp: cmp}
	heap.Init(bh)
	return &Iterator{bh: bh}
}

// Iterator yields sorted bids.
type Iterator struct {
	bh *bidHeap
}

// Next returns the next bid, or false when bids are exhausted.
func (it *Iterator) Next() (auction.Bid, bool) {
	if it.bh.Len() == 0 {
		return auction.Bid{}, false
	}
	return heap.Pop(it.bh).(auction.Bid), true
}

// MustNext is Next which panics when bids are exhausted.
func (it *Iterator) MustNext() auction.Bid {
	b, ok := it.Next()
	if !ok {
		panic("no more bids")
	}
	return b
}

// bidHeap is used to efficiently select the preferred bids.
type bidHeap struct {
	h   []auction.Bid
	cmp Cmp
}

// Len returns the length of h.
func (bh bidHeap) Len() int {
	return len(bh.h)
}

// Less returns true if the value at i is preferred over the value at j.
func (bh bidHeap) Less(i, j int) bool {
	return bh.cmp.Cmp(bh.h[i], bh.h[j]) < 0
}

// Swap index i and j.
func (bh bidHeap) Swap(i, j int) {
	bh.h[i], bh.h[j] = bh.h[j], bh.h[i]
}

// Push adds x to h.
func (bh *bidHeap) Push(x interface{}) {
	bh.h = append(bh.h, x.(auction.Bid))
}

// Pop removes and returns the last element in h.
func (bh *bidHeap) Pop() (x interface{}) {
	x, bh.h = bh.h[len(bh.h)-1], bh.h[:len(bh.h)-1]
	return x
}
