package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer"
	"github.com/textileio/rfq-auction/cmd/auctiond/auctioneer/registry"
	"github.com/textileio/rfq-auction/cmd/auctiond/message"
	"github.com/textileio/rfq-auction/cmd/auctiond/ratelimit"
	"github.com/textileio/rfq-auction/cmd/auctiond/sigs"
)

func init() {
	golog.SetAllLoggers(golog.LevelDebug)
}

type frame struct {
	Type    message.Type    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	lib      *auctioneer.Auctioneer
	reg      *registry.Registry
	limiter  *ratelimit.Limiter
	verifier *sigs.Verifier
	clients  []*websocket.Conn
}

func newTestEnv(t *testing.T, maxPayload, rateMax int) *testEnv {
	limiter := ratelimit.New(time.Minute, rateMax)
	srv := New(Config{}, message.NewCodec(maxPayload), limiter)
	reg := registry.New(0)
	verifier := sigs.New(sigs.Config{Domain: "auction.test", URI: "https://auction.test"})
	lib := auctioneer.New(auctioneer.AuctionConfig{}, reg, verifier, srv)
	srv.SetHandler(lib)
	hs := httptest.NewServer(srv)
	return &testEnv{srv: srv, http: hs, lib: lib, reg: reg, limiter: limiter, verifier: verifier}
}

// close must run before the leak check.
func (e *testEnv) close(t *testing.T) {
	for _, c := range e.clients {
		_ = c.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, e.srv.Shutdown(ctx))
	e.http.Close()
	require.NoError(t, e.lib.Close())
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	e.clients = append(e.clients, c)
	return c
}

func send(t *testing.T, c *websocket.Conn, s string) {
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(s)))
}

func read(t *testing.T, c *websocket.Conn) frame {
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second*5)))
	var f frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func readError(t *testing.T, c *websocket.Conn) message.ErrorPayload {
	f := read(t, c)
	require.Equal(t, message.TypeAuctionError, f.Type)
	var p message.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return p
}

func TestServeHTTP_NotUpgrade(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 0, 0)
	defer e.close(t)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	res, err := client.Get(e.http.URL)
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusUpgradeRequired, res.StatusCode)
	require.Equal(t, "application/json", res.Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.NotEmpty(t, body["error"])
}

func TestAuctionFlow(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 0, 0)
	defer e.close(t)
	takerConn, makerConn := e.dial(t), e.dial(t)

	send(t, takerConn, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, takerConn).Type)

	takerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	taker := crypto.PubkeyToAddress(takerKey.PublicKey)
	resolver := common.HexToAddress("0x3333333333333333333333333333333333333333")

	send(t, takerConn, fmt.Sprintf(`{"type":"auction.start","payload":{"taker":"%s","wager":"1000000000000000000",`+
		`"resolver":"%s","predictedOutcomes":["0xdead"],"takerNonce":1,"chainId":42161}}`, taker.Hex(), resolver.Hex()))
	f := read(t, takerConn)
	require.Equal(t, message.TypeAuctionAck, f.Type)
	var ack message.AckPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	require.NotEmpty(t, ack.AuctionID)

	send(t, takerConn, fmt.Sprintf(`{"type":"auction.subscribe","payload":{"auctionId":"%s"}}`, ack.AuctionID))
	require.Eventually(t, func() bool {
		return len(e.reg.Subscribers(auction.AuctionID(ack.AuctionID))) == 1
	}, time.Second*5, time.Millisecond*10)

	makerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	b := auction.Bid{
		AuctionID:                auction.AuctionID(ack.AuctionID),
		Maker:                    crypto.PubkeyToAddress(makerKey.PublicKey),
		MakerWager:               big.NewInt(1050000000000000000),
		MakerDeadline:            time.Now().Add(time.Second * 30).Unix(),
		MakerNonce:               1,
		Taker:                    taker,
		TakerCollateral:          big.NewInt(1000000000000000000),
		Resolver:                 resolver,
		EncodedPredictedOutcomes: "0xdead",
		PredictedOutcomes:        []string{"0xdead"},
	}
	b.MakerSignature, err = sigs.Sign(e.verifier.MakerBidMessage(&b, 42161), makerKey)
	require.NoError(t, err)
	wire := message.BidToWire(b)
	payload, err := json.Marshal(wire)
	require.NoError(t, err)
	send(t, makerConn, `{"type":"auction.bid","payload":`+string(payload)+`}`)

	f = read(t, takerConn)
	require.Equal(t, message.TypeAuctionBids, f.Type)
	var bids message.BidsPayload
	require.NoError(t, json.Unmarshal(f.Payload, &bids))
	require.Len(t, bids.Bids, 1)
	assert.Equal(t, "1050000000000000000", bids.Bids[0].MakerWager)
	assert.Equal(t, b.Maker.Hex(), bids.Bids[0].Maker)

	// A bad bid is reported to the bidder only, and the connection stays open.
	send(t, makerConn, `{"type":"auction.bid","payload":`+strings.Replace(string(payload),
		`"makerWager":"1050000000000000000"`, `"makerWager":"1"`, 1)+`}`)
	p := readError(t, makerConn)
	assert.Equal(t, string(auction.CodeInvalidSignature), p.Code)

	send(t, makerConn, `{"type":"auction.bid","payload":`+strings.Replace(string(payload),
		ack.AuctionID, "missing", 1)+`}`)
	assert.Equal(t, string(auction.CodeAuctionNotFound), readError(t, makerConn).Code)

	send(t, makerConn, `{"type":"auction.cancel","payload":{}}`)
	assert.Equal(t, string(auction.CodeUnknownMessageType), readError(t, makerConn).Code)

	send(t, makerConn, `{"type":`)
	assert.Equal(t, string(auction.CodeInvalidMessage), readError(t, makerConn).Code)

	send(t, makerConn, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, makerConn).Type)

	// Nothing else reached the subscriber.
	send(t, takerConn, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, takerConn).Type)
}

func TestRateLimit(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 0, 3)
	defer e.close(t)
	c := e.dial(t)

	for i := 0; i < 3; i++ {
		send(t, c, `{"type":"ping"}`)
		require.Equal(t, message.TypePong, read(t, c).Type)
	}
	send(t, c, `{"type":"ping"}`)
	assert.Equal(t, string(auction.CodeRateLimited), readError(t, c).Code)
	send(t, c, `{"type":`)
	assert.Equal(t, string(auction.CodeRateLimited), readError(t, c).Code)

	// Other connections are unaffected.
	other := e.dial(t)
	send(t, other, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, other).Type)
}

func TestPayloadTooLarge(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 256, 0)
	defer e.close(t)
	c := e.dial(t)

	send(t, c, `{"type":"auction.subscribe","payload":{"auctionId":"`+strings.Repeat("a", 300)+`"}}`)
	assert.Equal(t, string(auction.CodePayloadTooLarge), readError(t, c).Code)

	send(t, c, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, c).Type)

	// Frames above the socket read limit close the connection.
	send(t, c, strings.Repeat("a", 256*readLimitFactor+1))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second*5)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return e.srv.Len() == 0 }, time.Second*5, time.Millisecond*10)
}

func TestRelease(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 0, 0)
	defer e.close(t)
	id, err := e.reg.Create(auction.Auction{
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	c := e.dial(t)
	send(t, c, fmt.Sprintf(`{"type":"auction.subscribe","payload":{"auctionId":"%s"}}`, id))
	send(t, c, `{"type":"vault_quote.subscribe","payload":{"chainId":1,"vaultAddress":"0x4444444444444444444444444444444444444444"}}`)
	send(t, c, `{"type":"ping"}`)
	require.Equal(t, message.TypePong, read(t, c).Type)
	require.Len(t, e.reg.Subscribers(id), 1)
	require.Equal(t, 1, e.srv.Len())
	require.Equal(t, 1, e.limiter.Len())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return e.srv.Len() == 0 && e.limiter.Len() == 0
	}, time.Second*5, time.Millisecond*10)
	assert.Empty(t, e.reg.Subscribers(id))
	assert.Empty(t, e.reg.VaultSubscribers(auction.VaultKey(1, common.HexToAddress("0x4444444444444444444444444444444444444444"))))
}

func TestShutdown(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t, 0, 0)
	defer e.close(t)
	c1, c2 := e.dial(t), e.dial(t)
	require.Eventually(t, func() bool { return e.srv.Len() == 2 }, time.Second*5, time.Millisecond*10)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		done <- e.srv.Shutdown(ctx)
	}()

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second*5)))
		_, _, err := c.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
		assert.Equal(t, CloseReasonShutdown, closeErr.Text)
	}
	require.NoError(t, <-done)
	assert.Equal(t, 0, e.srv.Len())

	url := "ws" + strings.TrimPrefix(e.http.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
}

type panicHandler struct{}

func (panicHandler) Handle(context.Context, auction.ConnID, message.Message) error {
	panic("boom")
}

func (panicHandler) ReleaseConnection(context.Context, auction.ConnID) {}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()
	srv := New(Config{}, message.NewCodec(0), ratelimit.New(0, 0))
	srv.SetHandler(panicHandler{})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	send(t, c, `{"type":"ping"}`)
	assert.Equal(t, string(auction.CodeInternal), readError(t, c).Code)
	send(t, c, `{"type":"ping"}`)
	assert.Equal(t, string(auction.CodeInternal), readError(t, c).Code)
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestSend_SlowConsumer(t *testing.T) {
	srv := New(Config{SendQueue: 1, MaxFailedSends: 3}, message.NewCodec(0), ratelimit.New(0, 0))
	c := &conn{
		id:   "slow",
		send: make(chan []byte, 1),
		quit: make(chan struct{}),
	}
	srv.conns[c.id] = c

	require.False(t, srv.Send("unknown", []byte("x")))
	require.True(t, srv.Send(c.id, []byte("1")))
	require.False(t, srv.Send(c.id, []byte("2")))
	require.False(t, srv.Send(c.id, []byte("3")))

	// Draining resets the consecutive drop count.
	<-c.send
	require.True(t, srv.Send(c.id, []byte("4")))
	for i := 0; i < 3; i++ {
		require.False(t, srv.Send(c.id, []byte("x")))
	}
	select {
	case <-c.quit:
	default:
		t.Fatal("slow connection wasn't stopped")
	}
	<-c.send
	require.False(t, srv.Send(c.id, []byte("5")))
}
