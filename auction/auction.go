package auction

import (
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// DefaultTTL is the lifetime of an auction when the taker doesn't request one.
	DefaultTTL = time.Second * 60

	// MaxTTL is the hard cap on the lifetime of an auction.
	MaxTTL = time.Second * 300
)

// AuctionID is a unique identifier for an Auction.
type AuctionID string

// ConnID is a unique identifier for a client connection.
type ConnID string

// SubscriptionType is the kind of broadcast a connection subscribes to.
type SubscriptionType string

const (
	// SubscriptionAuction receives bid snapshots for an auction.
	SubscriptionAuction SubscriptionType = "auction"
	// SubscriptionVault receives quote updates for a vault.
	SubscriptionVault SubscriptionType = "vault"
)

// Auction defines the core auction model.
type Auction struct {
	ID                AuctionID
	Taker             common.Address
	Wager             *big.Int
	Resolver          common.Address
	PredictedOutcomes []string
	TakerNonce        uint64
	ChainID           uint64
	TakerSignature    string
	TakerSignedAt     time.Time
	// TakerIssuedAt is takerSignedAt exactly as the taker signed it.
	TakerIssuedAt     string
	CreatedAt         time.Time
	Deadline          time.Time
}

// Signed returns true if the taker signed the request. Only bids on signed
// auctions are actionable; unsigned auctions solicit indicative quotes.
func (a *Auction) Signed() bool {
	return a.TakerSignature != ""
}

// Status returns the status of the auction at the given time.
func (a *Auction) Status(now time.Time) AuctionStatus {
	if a.Deadline.IsZero() {
		return AuctionStatusUnspecified
	}
	if now.After(a.Deadline) {
		return AuctionStatusExpired
	}
	return AuctionStatusOpen
}

// ValidateDeadline checks 0 < Deadline-CreatedAt <= maxTTL.
func (a *Auction) ValidateDeadline(maxTTL time.Duration) error {
	if a.Deadline.IsZero() || a.CreatedAt.IsZero() {
		return ErrInvalidDeadline
	}
	ttl := a.Deadline.Sub(a.CreatedAt)
	if ttl <= 0 || ttl > maxTTL {
		return ErrInvalidDeadline
	}
	return nil
}

// AuctionStatus is the status of an auction.
type AuctionStatus int

const (
	// AuctionStatusUnspecified indicates the initial or invalid status of an auction.
	AuctionStatusUnspecified AuctionStatus = iota
	// AuctionStatusOpen indicates the auction is accepting bids.
	AuctionStatusOpen
	// AuctionStatusExpired indicates the auction deadline has passed.
	AuctionStatusExpired
)

// String returns a string-encoded status.
func (as AuctionStatus) String() string {
	switch as {
	case AuctionStatusUnspecified:
		return "unspecified"
	case AuctionStatusOpen:
		return "open"
	case AuctionStatusExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Bid defines the core bid model.
type Bid struct {
	AuctionID                AuctionID
	Maker                    common.Address
	MakerWager               *big.Int
	MakerDeadline            int64
	MakerNonce               uint64
	MakerSignature           string
	MakerSignedAt            int64
	Taker                    common.Address
	TakerCollateral          *big.Int
	Resolver                 common.Address
	EncodedPredictedOutcomes string
	PredictedOutcomes        []string
	ReceivedAt               time.Time
}

// Live returns true if the maker deadline hasn't elapsed at now.
func (b *Bid) Live(now time.Time) bool {
	return now.Unix() <= b.MakerDeadline
}

// VaultQuote is a price update for a market-making vault, signed by the
// vault operator.
type VaultQuote struct {
	ChainID                 uint64
	VaultAddress            common.Address
	VaultCollateralPerShare string
	Timestamp               int64
	SignedBy                common.Address
	Signature               string
}

// Key is the subscription key of the quote's vault.
func (q *VaultQuote) Key() string {
	return VaultKey(q.ChainID, q.VaultAddress)
}

// VaultKey returns the subscription key for a vault on a chain.
func VaultKey(chainID uint64, vault common.Address) string {
	return strconv.FormatUint(chainID, 10) + ":" + vault.Hex()
}

// ErrorCode is a machine readable error kind sent in auction.error frames.
type ErrorCode string

const (
	CodeInvalidMessage     ErrorCode = "invalid_message"
	CodePayloadTooLarge    ErrorCode = "payload_too_large"
	CodeUnknownMessageType ErrorCode = "unknown_message_type"
	CodeRateLimited        ErrorCode = "rate_limited"
	CodeInvalidSignature   ErrorCode = "invalid_signature"
	CodeUnauthorized       ErrorCode = "unauthorized"
	CodeAuctionNotFound    ErrorCode = "auction_not_found"
	CodeAuctionExpired     ErrorCode = "auction_expired"
	CodeInvalidDeadline    ErrorCode = "invalid_deadline"
	CodeInternal           ErrorCode = "internal_error"
)

var (
	// ErrInvalidMessage indicates a structurally invalid frame.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrPayloadTooLarge indicates a frame above the payload size cap.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnknownMessageType indicates a frame with an unsupported type.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrRateLimited indicates the connection exceeded its message budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidSignature indicates a missing or mismatched signature.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnauthorized indicates a valid signature from an unknown signer.
	ErrUnauthorized = errors.New("unauthorized signer")
	// ErrAuctionNotFound indicates the requested auction was not found.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionExpired indicates the auction deadline has passed.
	ErrAuctionExpired = errors.New("auction expired")
	// ErrInvalidDeadline indicates a deadline outside of the allowed range.
	ErrInvalidDeadline = errors.New("invalid deadline")
)

// CodeOf maps an error to the code sent to clients.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrUnknownMessageType):
		return CodeUnknownMessageType
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrAuctionNotFound):
		return CodeAuctionNotFound
	case errors.Is(err, ErrAuctionExpired):
		return CodeAuctionExpired
	case errors.Is(err, ErrInvalidDeadline):
		return CodeInvalidDeadline
	default:
		return CodeInternal
	}
}

// Rejected returns true if err was caused by the client rather than by the server.
func Rejected(err error) bool {
	return CodeOf(err) != CodeInternal
}
