package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxPayload is the largest frame accepted by a Codec.
const DefaultMaxPayload = 64 * 1024

// Type is the type tag of a wire message.
type Type string

const (
	TypeAuctionStart          Type = "auction.start"
	TypeAuctionSubscribe      Type = "auction.subscribe"
	TypeAuctionUnsubscribe    Type = "auction.unsubscribe"
	TypeAuctionBid            Type = "auction.bid"
	TypePing                  Type = "ping"
	TypeVaultQuoteSubscribe   Type = "vault_quote.subscribe"
	TypeVaultQuoteUnsubscribe Type = "vault_quote.unsubscribe"
	TypeVaultQuotePublish     Type = "vault_quote.publish"

	TypeAuctionAck       Type = "auction.ack"
	TypeAuctionBids      Type = "auction.bids"
	TypeAuctionExpired   Type = "auction.expired"
	TypeAuctionError     Type = "auction.error"
	TypePong             Type = "pong"
	TypeVaultQuoteAck    Type = "vault_quote.ack"
	TypeVaultQuoteUpdate Type = "vault_quote.update"
)

// Message is a decoded inbound frame. The concrete type is one of
// *AuctionStart, *AuctionSubscribe, *AuctionUnsubscribe, *AuctionBid, *Ping,
// *VaultQuoteSubscribe, *VaultQuoteUnsubscribe or *VaultQuotePublish.
type Message interface {
	Type() Type
}

// AuctionStart is a taker's request to open an auction.
type AuctionStart struct {
	Taker             common.Address
	Wager             *big.Int
	Resolver          common.Address
	PredictedOutcomes []string
	TakerNonce        uint64
	ChainID           uint64
	TakerSignature    string
	TakerSignedAt     time.Time
	// TakerIssuedAt is the raw takerSignedAt, kept for signature checks.
	TakerIssuedAt     string
	// TTL is zero when the taker didn't request a lifetime.
	TTL               time.Duration
}

// Type implements Message.
func (*AuctionStart) Type() Type { return TypeAuctionStart }

// AuctionSubscribe asks for bid snapshots of an auction.
type AuctionSubscribe struct {
	AuctionID auction.AuctionID
}

// Type implements Message.
func (*AuctionSubscribe) Type() Type { return TypeAuctionSubscribe }

// AuctionUnsubscribe stops bid snapshots of an auction.
type AuctionUnsubscribe struct {
	AuctionID auction.AuctionID
}

// Type implements Message.
func (*AuctionUnsubscribe) Type() Type { return TypeAuctionUnsubscribe }

// AuctionBid is a maker's counter-offer.
type AuctionBid struct {
	Bid auction.Bid
}

// Type implements Message.
func (*AuctionBid) Type() Type { return TypeAuctionBid }

// Ping is a keepalive.
type Ping struct{}

// Type implements Message.
func (*Ping) Type() Type { return TypePing }

// VaultQuoteSubscribe asks for quote updates of a vault.
type VaultQuoteSubscribe struct {
	ChainID      uint64
	VaultAddress common.Address
}

// Type implements Message.
func (*VaultQuoteSubscribe) Type() Type { return TypeVaultQuoteSubscribe }

// Key is the subscription key of the vault.
func (m *VaultQuoteSubscribe) Key() string { return auction.VaultKey(m.ChainID, m.VaultAddress) }

// VaultQuoteUnsubscribe stops quote updates of a vault.
type VaultQuoteUnsubscribe struct {
	ChainID      uint64
	VaultAddress common.Address
}

// Type implements Message.
func (*VaultQuoteUnsubscribe) Type() Type { return TypeVaultQuoteUnsubscribe }

// Key is the subscription key of the vault.
func (m *VaultQuoteUnsubscribe) Key() string { return auction.VaultKey(m.ChainID, m.VaultAddress) }

// VaultQuotePublish is a quote update sent by a vault operator.
type VaultQuotePublish struct {
	Quote auction.VaultQuote
}

// Type implements Message.
func (*VaultQuotePublish) Type() Type { return TypeVaultQuotePublish }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec decodes inbound frames into typed messages.
type Codec struct {
	maxPayload int

	metricReceived metric.Int64Counter
	metricErrors   metric.Int64Counter
}

// NewCodec returns a Codec that rejects frames larger than maxPayload bytes.
// A non-positive maxPayload selects DefaultMaxPayload.
func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	c := &Codec{maxPayload: maxPayload}
	c.initMetrics()
	return c
}

// MaxPayload returns the frame size cap in bytes.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Decode parses and validates a frame. Returned errors wrap one of
// auction.ErrPayloadTooLarge, auction.ErrInvalidMessage or
// auction.ErrUnknownMessageType.
func (c *Codec) Decode(frame []byte) (Message, error) {
	msg, err := c.decode(frame)
	ctx := context.Background()
	if err != nil {
		c.metricErrors.Add(ctx, 1, metrics.AttrKind(string(auction.CodeOf(err))))
		return nil, err
	}
	c.metricReceived.Add(ctx, 1, metrics.AttrType(string(msg.Type())))
	return msg, nil
}

// RecordError counts a failure that happened after decoding, labeled by its kind.
func (c *Codec) RecordError(ctx context.Context, err error) {
	c.metricErrors.Add(ctx, 1, metrics.AttrKind(string(auction.CodeOf(err))))
}

func (c *Codec) decode(frame []byte) (Message, error) {
	if len(frame) > c.maxPayload {
		return nil, fmt.Errorf("%w: %s exceeds %s", auction.ErrPayloadTooLarge,
			humanize.IBytes(uint64(len(frame))), humanize.IBytes(uint64(c.maxPayload)))
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", auction.ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", auction.ErrInvalidMessage)
	}
	payload := env.Payload
	if isNull(payload) {
		payload = nil
	}

	switch env.Type {
	case TypePing:
		return &Ping{}, nil
	case TypeAuctionStart:
		return decodeAuctionStart(payload)
	case TypeAuctionSubscribe:
		id, err := decodeAuctionID(payload)
		if err != nil {
			return nil, err
		}
		return &AuctionSubscribe{AuctionID: id}, nil
	case TypeAuctionUnsubscribe:
		id, err := decodeAuctionID(payload)
		if err != nil {
			return nil, err
		}
		return &AuctionUnsubscribe{AuctionID: id}, nil
	case TypeAuctionBid:
		return decodeAuctionBid(payload)
	case TypeVaultQuoteSubscribe:
		chainID, vault, err := decodeVault(payload)
		if err != nil {
			return nil, err
		}
		return &VaultQuoteSubscribe{ChainID: chainID, VaultAddress: vault}, nil
	case TypeVaultQuoteUnsubscribe:
		chainID, vault, err := decodeVault(payload)
		if err != nil {
			return nil, err
		}
		return &VaultQuoteUnsubscribe{ChainID: chainID, VaultAddress: vault}, nil
	case TypeVaultQuotePublish:
		return decodeVaultQuote(payload)
	default:
		return nil, fmt.Errorf("%w: %q", auction.ErrUnknownMessageType, env.Type)
	}
}

type auctionStartPayload struct {
	Taker             string      `json:"taker"`
	Wager             json.Number `json:"wager"`
	Resolver          string      `json:"resolver"`
	PredictedOutcomes []string    `json:"predictedOutcomes"`
	TakerNonce        json.Number `json:"takerNonce"`
	ChainID           json.Number `json:"chainId"`
	TakerSignature    string      `json:"takerSignature,omitempty"`
	TakerSignedAt     string      `json:"takerSignedAt,omitempty"`
	TTLSeconds        json.Number `json:"ttlSeconds,omitempty"`
}

func decodeAuctionStart(payload json.RawMessage) (Message, error) {
	var p auctionStartPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return nil, err
	}
	var (
		m   AuctionStart
		err error
	)
	if m.Taker, err = parseAddress("taker", p.Taker); err != nil {
		return nil, err
	}
	if m.Wager, err = parseAmount("wager", p.Wager, false); err != nil {
		return nil, err
	}
	if m.Resolver, err = parseAddress("resolver", p.Resolver); err != nil {
		return nil, err
	}
	if m.PredictedOutcomes, err = parseOutcomes(p.PredictedOutcomes); err != nil {
		return nil, err
	}
	if m.TakerNonce, err = parseUint("takerNonce", p.TakerNonce); err != nil {
		return nil, err
	}
	if m.ChainID, err = parseUint("chainId", p.ChainID); err != nil {
		return nil, err
	}
	if p.TakerSignature != "" {
		if p.TakerSignedAt == "" {
			return nil, fmt.Errorf("%w: takerSignedAt is required with takerSignature", auction.ErrInvalidMessage)
		}
		if m.TakerSignedAt, err = parseTime("takerSignedAt", p.TakerSignedAt); err != nil {
			return nil, err
		}
		m.TakerSignature = p.TakerSignature
		m.TakerIssuedAt = p.TakerSignedAt
	}
	if p.TTLSeconds != "" {
		ttl, err := strconv.ParseInt(p.TTLSeconds.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ttlSeconds: %v", auction.ErrInvalidMessage, err)
		}
		// Bounded in seconds so the Duration conversion can't overflow.
		maxTTL := int64(auction.MaxTTL / time.Second)
		if ttl <= 0 || ttl > maxTTL {
			return nil, fmt.Errorf("%w: ttlSeconds must be in (0, %d]", auction.ErrInvalidDeadline, maxTTL)
		}
		m.TTL = time.Duration(ttl) * time.Second
	}
	return &m, nil
}

type auctionIDPayload struct {
	AuctionID string `json:"auctionId"`
}

func decodeAuctionID(payload json.RawMessage) (auction.AuctionID, error) {
	var p auctionIDPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.AuctionID) == "" {
		return "", fmt.Errorf("%w: missing auctionId", auction.ErrInvalidMessage)
	}
	return auction.AuctionID(p.AuctionID), nil
}

type auctionBidPayload struct {
	AuctionID                string      `json:"auctionId"`
	Maker                    string      `json:"maker"`
	MakerWager               json.Number `json:"makerWager"`
	MakerDeadline            json.Number `json:"makerDeadline"`
	MakerSignature           string      `json:"makerSignature"`
	MakerNonce               json.Number `json:"makerNonce"`
	MakerSignedAt            json.Number `json:"makerSignedAt,omitempty"`
	Taker                    string      `json:"taker"`
	TakerCollateral          json.Number `json:"takerCollateral"`
	Resolver                 string      `json:"resolver"`
	EncodedPredictedOutcomes string      `json:"encodedPredictedOutcomes"`
	PredictedOutcomes        []string    `json:"predictedOutcomes"`
}

func decodeAuctionBid(payload json.RawMessage) (Message, error) {
	var p auctionBidPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.AuctionID) == "" {
		return nil, fmt.Errorf("%w: missing auctionId", auction.ErrInvalidMessage)
	}
	b := auction.Bid{AuctionID: auction.AuctionID(p.AuctionID)}
	var err error
	if b.Maker, err = parseAddress("maker", p.Maker); err != nil {
		return nil, err
	}
	if b.MakerWager, err = parseAmount("makerWager", p.MakerWager, false); err != nil {
		return nil, err
	}
	deadline, err := parseUint("makerDeadline", p.MakerDeadline)
	if err != nil {
		return nil, err
	}
	b.MakerDeadline = int64(deadline)
	if p.MakerSignature == "" {
		return nil, fmt.Errorf("%w: missing makerSignature", auction.ErrInvalidMessage)
	}
	b.MakerSignature = p.MakerSignature
	if b.MakerNonce, err = parseUint("makerNonce", p.MakerNonce); err != nil {
		return nil, err
	}
	if p.MakerSignedAt != "" {
		signedAt, err := parseUint("makerSignedAt", p.MakerSignedAt)
		if err != nil {
			return nil, err
		}
		b.MakerSignedAt = int64(signedAt)
	}
	if b.Taker, err = parseAddress("taker", p.Taker); err != nil {
		return nil, err
	}
	if b.TakerCollateral, err = parseAmount("takerCollateral", p.TakerCollateral, true); err != nil {
		return nil, err
	}
	if b.Resolver, err = parseAddress("resolver", p.Resolver); err != nil {
		return nil, err
	}
	if p.EncodedPredictedOutcomes == "" {
		return nil, fmt.Errorf("%w: missing encodedPredictedOutcomes", auction.ErrInvalidMessage)
	}
	b.EncodedPredictedOutcomes = p.EncodedPredictedOutcomes
	if b.PredictedOutcomes, err = parseOutcomes(p.PredictedOutcomes); err != nil {
		return nil, err
	}
	return &AuctionBid{Bid: b}, nil
}

type vaultPayload struct {
	ChainID      json.Number `json:"chainId"`
	VaultAddress string      `json:"vaultAddress"`
}

func decodeVault(payload json.RawMessage) (uint64, common.Address, error) {
	var p vaultPayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return 0, common.Address{}, err
	}
	chainID, err := parseUint("chainId", p.ChainID)
	if err != nil {
		return 0, common.Address{}, err
	}
	vault, err := parseAddress("vaultAddress", p.VaultAddress)
	if err != nil {
		return 0, common.Address{}, err
	}
	return chainID, vault, nil
}

type vaultQuotePayload struct {
	ChainID                 json.Number `json:"chainId"`
	VaultAddress            string      `json:"vaultAddress"`
	VaultCollateralPerShare string      `json:"vaultCollateralPerShare"`
	Timestamp               json.Number `json:"timestamp"`
	SignedBy                string      `json:"signedBy"`
	Signature               string      `json:"signature"`
}

func decodeVaultQuote(payload json.RawMessage) (Message, error) {
	var p vaultQuotePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		return nil, err
	}
	var (
		q   auction.VaultQuote
		err error
	)
	if q.ChainID, err = parseUint("chainId", p.ChainID); err != nil {
		return nil, err
	}
	if q.VaultAddress, err = parseAddress("vaultAddress", p.VaultAddress); err != nil {
		return nil, err
	}
	if p.VaultCollateralPerShare == "" {
		return nil, fmt.Errorf("%w: missing vaultCollateralPerShare", auction.ErrInvalidMessage)
	}
	q.VaultCollateralPerShare = p.VaultCollateralPerShare
	ts, err := parseUint("timestamp", p.Timestamp)
	if err != nil {
		return nil, err
	}
	q.Timestamp = int64(ts)
	if q.SignedBy, err = parseAddress("signedBy", p.SignedBy); err != nil {
		return nil, err
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", auction.ErrInvalidMessage)
	}
	q.Signature = p.Signature
	return &VaultQuotePublish{Quote: q}, nil
}

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", auction.ErrInvalidMessage)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", auction.ErrInvalidMessage, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, fmt.Errorf("%w: missing %s", auction.ErrInvalidMessage, field)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s is not an address", auction.ErrInvalidMessage, field)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field string, n json.Number, allowZero bool) (*big.Int, error) {
	if n == "" {
		return nil, fmt.Errorf("%w: missing %s", auction.ErrInvalidMessage, field)
	}
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an integer", auction.ErrInvalidMessage, field)
	}
	if v.Sign() < 0 || (!allowZero && v.Sign() == 0) {
		return nil, fmt.Errorf("%w: %s out of range", auction.ErrInvalidMessage, field)
	}
	return v, nil
}

func parseUint(field string, n json.Number) (uint64, error) {
	if n == "" {
		return 0, fmt.Errorf("%w: missing %s", auction.ErrInvalidMessage, field)
	}
	v, err := strconv.ParseUint(n.String(), 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", auction.ErrInvalidMessage, field, err)
	}
	return v, nil
}

func parseTime(field, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", auction.ErrInvalidMessage, field, err)
	}
	return t.UTC(), nil
}

func parseOutcomes(outcomes []string) ([]string, error) {
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("%w: missing predictedOutcomes", auction.ErrInvalidMessage)
	}
	for _, o := range outcomes {
		if o == "" {
			return nil, fmt.Errorf("%w: empty predicted outcome", auction.ErrInvalidMessage)
		}
	}
	return outcomes, nil
}
