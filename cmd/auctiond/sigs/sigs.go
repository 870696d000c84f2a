package sigs

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	golog "github.com/textileio/go-log/v2"
	"github.com/textileio/rfq-auction/auction"
	"github.com/textileio/rfq-auction/cmd/auctiond/metrics"
	rootmetrics "github.com/textileio/rfq-auction/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	log = golog.Logger("auctiond/sigs")

	// DefaultMaxAge is how old a taker signature may be.
	DefaultMaxAge = time.Minute * 5

	// MaxClockSkew is how far in the future an issued-at timestamp may be.
	MaxClockSkew = time.Minute
)

// Role selects the canonical message a signature is checked against.
type Role string

const (
	// RoleTakerStart is the taker opening an auction.
	RoleTakerStart Role = "taker-start"
	// RoleMakerBid is a maker bidding on an auction.
	RoleMakerBid Role = "maker-bid"
	// RoleVaultQuote is a vault operator publishing a quote.
	RoleVaultQuote Role = "vault-quote"
)

// Config defines params for Verifier configuration.
type Config struct {
	// Domain and URI are bound into every signed message.
	Domain string
	URI    string
	// MaxAge bounds the age of taker signatures.
	MaxAge time.Duration
	// Operators are the addresses allowed to publish vault quotes.
	Operators []common.Address
}

// Verifier recovers and checks signers of wire payloads.
type Verifier struct {
	domain    string
	uri       string
	maxAge    time.Duration
	operators map[common.Address]struct{}
	now       func() time.Time

	metricVerifications metric.Int64Counter
}

// New returns a new Verifier.
func New(conf Config) *Verifier {
	if conf.MaxAge <= 0 {
		conf.MaxAge = DefaultMaxAge
	}
	ops := make(map[common.Address]struct{}, len(conf.Operators))
	for _, op := range conf.Operators {
		ops[op] = struct{}{}
	}
	v := &Verifier{
		domain:    conf.Domain,
		uri:       conf.URI,
		maxAge:    conf.MaxAge,
		operators: ops,
		now:       time.Now,
	}
	v.metricVerifications = metrics.Meter.NewInt64Counter(metrics.Prefix + ".signature_verifications_total")
	return v
}

func (v *Verifier) record(role Role, err error) {
	rootmetrics.MetricIncrCounter(context.Background(), err, v.metricVerifications,
		attribute.Key("role").String(string(role)))
}

// SetClock replaces time.Now. Used by tests.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// TakerStartMessage returns the canonical message a taker signs to open an
// auction. Issued At is the taker's own timestamp text when known.
func (v *Verifier) TakerStartMessage(a *auction.Auction) string {
	issuedAt := a.TakerIssuedAt
	if issuedAt == "" {
		issuedAt = a.TakerSignedAt.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		v.domain + " wants you to start an auction:",
		"URI: " + v.uri,
		"Taker: " + a.Taker.Hex(),
		"Wager: " + a.Wager.String(),
		"Resolver: " + a.Resolver.Hex(),
		"Predicted Outcomes: " + strings.Join(a.PredictedOutcomes, ","),
		"Taker Nonce: " + strconv.FormatUint(a.TakerNonce, 10),
		"Chain ID: " + strconv.FormatUint(a.ChainID, 10),
		"Issued At: " + issuedAt,
	}, "\n")
}

// MakerBidMessage returns the canonical message a maker signs to bid on an
// auction running on chainID.
func (v *Verifier) MakerBidMessage(b *auction.Bid, chainID uint64) string {
	lines := []string{
		v.domain + " wants you to place a bid:",
		"URI: " + v.uri,
		"Auction ID: " + string(b.AuctionID),
		"Maker: " + b.Maker.Hex(),
		"Maker Wager: " + b.MakerWager.String(),
		"Maker Deadline: " + strconv.FormatInt(b.MakerDeadline, 10),
		"Maker Nonce: " + strconv.FormatUint(b.MakerNonce, 10),
		"Taker: " + b.Taker.Hex(),
		"Taker Collateral: " + b.TakerCollateral.String(),
		"Resolver: " + b.Resolver.Hex(),
		"Predicted Outcomes: " + b.EncodedPredictedOutcomes,
		"Chain ID: " + strconv.FormatUint(chainID, 10),
	}
	if b.MakerSignedAt != 0 {
		lines = append(lines, "Issued At: "+time.Unix(b.MakerSignedAt, 0).UTC().Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

// VaultQuoteMessage returns the canonical message an operator signs to publish a quote.
func (v *Verifier) VaultQuoteMessage(q *auction.VaultQuote) string {
	return strings.Join([]string{
		v.domain + " wants you to publish a vault quote:",
		"URI: " + v.uri,
		"Vault: " + q.VaultAddress.Hex(),
		"Chain ID: " + strconv.FormatUint(q.ChainID, 10),
		"Collateral Per Share: " + q.VaultCollateralPerShare,
		"Signed By: " + q.SignedBy.Hex(),
		"Issued At: " + time.Unix(q.Timestamp, 0).UTC().Format(time.RFC3339),
	}, "\n")
}

// VerifyTakerStart checks the optional taker signature of a. It returns
// signed=false with no error for unsigned requests.
func (v *Verifier) VerifyTakerStart(a *auction.Auction) (_ common.Address, _ bool, err error) {
	if a.TakerSignature == "" {
		return common.Address{}, false, nil
	}
	defer func() { v.record(RoleTakerStart, err) }()
	now := v.now()
	if now.Sub(a.TakerSignedAt) > v.maxAge {
		return common.Address{}, true, fmt.Errorf("%w: taker signature is stale", auction.ErrInvalidSignature)
	}
	if a.TakerSignedAt.Sub(now) > MaxClockSkew {
		return common.Address{}, true, fmt.Errorf("%w: taker signature issued in the future", auction.ErrInvalidSignature)
	}
	signer, err := Recover(v.TakerStartMessage(a), a.TakerSignature)
	if err != nil {
		return common.Address{}, true, err
	}
	if signer != a.Taker {
		log.Debugf("taker signature recovered %s, expected %s", signer, a.Taker)
		return signer, true, fmt.Errorf("%w: signer is not the taker", auction.ErrInvalidSignature)
	}
	return signer, true, nil
}

// VerifyMakerBid checks the mandatory maker signature of b.
func (v *Verifier) VerifyMakerBid(b *auction.Bid, chainID uint64) (_ common.Address, err error) {
	defer func() { v.record(RoleMakerBid, err) }()
	if b.MakerSignature == "" {
		return common.Address{}, fmt.Errorf("%w: missing maker signature", auction.ErrInvalidSignature)
	}
	signer, err := Recover(v.MakerBidMessage(b, chainID), b.MakerSignature)
	if err != nil {
		return common.Address{}, err
	}
	if signer != b.Maker {
		log.Debugf("maker signature recovered %s, expected %s", signer, b.Maker)
		return signer, fmt.Errorf("%w: signer is not the maker", auction.ErrInvalidSignature)
	}
	return signer, nil
}

// VerifyVaultQuote checks that q was signed by a known vault operator.
func (v *Verifier) VerifyVaultQuote(q *auction.VaultQuote) (_ common.Address, err error) {
	defer func() { v.record(RoleVaultQuote, err) }()
	signer, err := Recover(v.VaultQuoteMessage(q), q.Signature)
	if err != nil {
		return common.Address{}, err
	}
	if signer != q.SignedBy {
		log.Warnf("vault quote for %s claims %s but was signed by %s", q.VaultAddress, q.SignedBy, signer)
		return signer, fmt.Errorf("%w: %s", auction.ErrUnauthorized, signer)
	}
	if _, ok := v.operators[signer]; !ok {
		log.Warnf("vault quote for %s signed by unknown operator %s", q.VaultAddress, signer)
		return signer, fmt.Errorf("%w: %s", auction.ErrUnauthorized, signer)
	}
	return signer, nil
}

// signHash is a helper function that calculates a hash for the given message that can be
// safely used to calculate a signature from.
//
// The hash is calculated as
//   keccak256("\x19Ethereum Signed Message:\n"${message length}${message}).
func signHash(data []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256([]byte(msg))
}

// Recover returns the address that produced the hex-encoded personal-sign
// signature of msg.
func Recover(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: decoding: %v", auction.ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d",
			auction.ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(signHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: recovering: %v", auction.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign returns the hex-encoded personal-sign signature of msg, with the
// recovery id in the 27/28 form wallets produce.
func Sign(msg string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(signHash([]byte(msg)), key)
	if err != nil {
		return "", fmt.Errorf("signing: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
