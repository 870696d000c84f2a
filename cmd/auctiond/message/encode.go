package message

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/textileio/rfq-auction/auction"
)

// Bid is the wire form of an auction.Bid. Amounts are decimal strings so
// clients don't lose precision.
type Bid struct {
	AuctionID                string   `json:"auctionId"`
	Maker                    string   `json:"maker"`
	MakerWager               string   `json:"makerWager"`
	MakerDeadline            int64    `json:"makerDeadline"`
	MakerNonce               string   `json:"makerNonce"`
	MakerSignature           string   `json:"makerSignature"`
	MakerSignedAt            int64    `json:"makerSignedAt,omitempty"`
	Taker                    string   `json:"taker"`
	TakerCollateral          string   `json:"takerCollateral"`
	Resolver                 string   `json:"resolver"`
	EncodedPredictedOutcomes string   `json:"encodedPredictedOutcomes"`
	PredictedOutcomes        []string `json:"predictedOutcomes"`
	ReceivedAt               int64    `json:"receivedAt"`
}

// BidToWire converts a bid to its wire form.
func BidToWire(b auction.Bid) Bid {
	return Bid{
		AuctionID:                string(b.AuctionID),
		Maker:                    b.Maker.Hex(),
		MakerWager:               b.MakerWager.String(),
		MakerDeadline:            b.MakerDeadline,
		MakerNonce:               strconv.FormatUint(b.MakerNonce, 10),
		MakerSignature:           b.MakerSignature,
		MakerSignedAt:            b.MakerSignedAt,
		Taker:                    b.Taker.Hex(),
		TakerCollateral:          b.TakerCollateral.String(),
		Resolver:                 b.Resolver.Hex(),
		EncodedPredictedOutcomes: b.EncodedPredictedOutcomes,
		PredictedOutcomes:        b.PredictedOutcomes,
		ReceivedAt:               b.ReceivedAt.UnixMilli(),
	}
}

// AckPayload is the payload of auction.ack.
type AckPayload struct {
	AuctionID string `json:"auctionId"`
	Signed    bool   `json:"signed"`
	Deadline  int64  `json:"deadline"`
}

// BidsPayload is the payload of auction.bids.
type BidsPayload struct {
	AuctionID string `json:"auctionId"`
	Bids      []Bid  `json:"bids"`
}

// ExpiredPayload is the payload of auction.expired.
type ExpiredPayload struct {
	AuctionID string `json:"auctionId"`
}

// ErrorPayload is the payload of auction.error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// VaultQuoteAckPayload is the payload of vault_quote.ack. Rejected quotes
// get an auction.error instead.
type VaultQuoteAckPayload struct {
	OK bool `json:"ok"`
}

// VaultQuote is the wire form of an auction.VaultQuote.
type VaultQuote struct {
	ChainID                 uint64 `json:"chainId"`
	VaultAddress            string `json:"vaultAddress"`
	VaultCollateralPerShare string `json:"vaultCollateralPerShare"`
	Timestamp               int64  `json:"timestamp"`
	SignedBy                string `json:"signedBy"`
	Signature               string `json:"signature"`
}

// Frame is an outbound message.
type Frame struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Encode marshals an outbound message.
func Encode(t Type, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(Frame{Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %v", t, err)
	}
	return data, nil
}

// EncodeAck returns an auction.ack frame.
func EncodeAck(a auction.Auction) ([]byte, error) {
	return Encode(TypeAuctionAck, AckPayload{
		AuctionID: string(a.ID),
		Signed:    a.Signed(),
		Deadline:  a.Deadline.Unix(),
	})
}

// EncodeBids returns an auction.bids frame holding the full bid list.
func EncodeBids(id auction.AuctionID, bids []auction.Bid) ([]byte, error) {
	wire := make([]Bid, len(bids))
	for i := range bids {
		wire[i] = BidToWire(bids[i])
	}
	return Encode(TypeAuctionBids, BidsPayload{AuctionID: string(id), Bids: wire})
}

// EncodeExpired returns an auction.expired frame.
func EncodeExpired(id auction.AuctionID) ([]byte, error) {
	return Encode(TypeAuctionExpired, ExpiredPayload{AuctionID: string(id)})
}

// EncodeError returns an auction.error frame describing err.
func EncodeError(err error) ([]byte, error) {
	return Encode(TypeAuctionError, ErrorPayload{
		Message: err.Error(),
		Code:    string(auction.CodeOf(err)),
	})
}

// EncodePong returns a pong frame.
func EncodePong() ([]byte, error) {
	return Encode(TypePong, nil)
}

// EncodeVaultQuoteAck returns a vault_quote.ack frame for an accepted quote.
func EncodeVaultQuoteAck() ([]byte, error) {
	return Encode(TypeVaultQuoteAck, VaultQuoteAckPayload{OK: true})
}

// EncodeVaultQuoteUpdate returns a vault_quote.update frame.
func EncodeVaultQuoteUpdate(q auction.VaultQuote) ([]byte, error) {
	return Encode(TypeVaultQuoteUpdate, VaultQuote{
		ChainID:                 q.ChainID,
		VaultAddress:            q.VaultAddress.Hex(),
		VaultCollateralPerShare: q.VaultCollateralPerShare,
		Timestamp:               q.Timestamp,
		SignedBy:                q.SignedBy.Hex(),
		Signature:               q.Signature,
	})
}
