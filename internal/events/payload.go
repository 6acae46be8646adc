package events

import (
	"encoding/hex"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
)

// Offer is a give/take side of an order: a 32-byte big-endian chain ID, a
// 32-byte big-endian amount, and a variable-length token address.
type Offer struct {
	ChainID      *big.Int
	Amount       *big.Int
	TokenAddress []byte
}

// CreatedOrder carries the give/take offers of a newly created order.
type CreatedOrder struct {
	GiveOffer Offer
	TakeOffer Offer
}

// CreatedOrderID carries the 32-byte order ID paired with a CreatedOrder in
// the same transaction.
type CreatedOrderID struct {
	OrderID [32]byte
}

// Fulfilled carries the 32-byte order ID and 32-byte taker of a fulfillment.
type Fulfilled struct {
	OrderID [32]byte
	Taker   [32]byte
}

func decodeOffer(dec *bin.Decoder) (Offer, error) {
	chainIDBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return Offer{}, fmt.Errorf("read chainId: %w", err)
	}
	amountBytes, err := dec.ReadNBytes(32)
	if err != nil {
		return Offer{}, fmt.Errorf("read amount: %w", err)
	}
	tokenLen, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return Offer{}, fmt.Errorf("read tokenAddress length: %w", err)
	}
	tokenAddress, err := dec.ReadNBytes(int(tokenLen))
	if err != nil {
		return Offer{}, fmt.Errorf("read tokenAddress: %w", err)
	}

	return Offer{
		ChainID:      DecodeBigEndianUint(chainIDBytes),
		Amount:       DecodeBigEndianUint(amountBytes),
		TokenAddress: tokenAddress,
	}, nil
}

// DecodeBigEndianUint decodes a fixed-width big-endian unsigned integer of
// up to 256 bits, per the protocol's Offer encoding.
func DecodeBigEndianUint(raw []byte) *big.Int {
	return new(big.Int).SetBytes(raw)
}

func decodeCreatedOrder(payload []byte) (CreatedOrder, error) {
	dec := bin.NewBinDecoder(payload)
	give, err := decodeOffer(dec)
	if err != nil {
		return CreatedOrder{}, fmt.Errorf("decode give offer: %w", err)
	}
	take, err := decodeOffer(dec)
	if err != nil {
		return CreatedOrder{}, fmt.Errorf("decode take offer: %w", err)
	}
	return CreatedOrder{GiveOffer: give, TakeOffer: take}, nil
}

func decodeCreatedOrderID(payload []byte) (CreatedOrderID, error) {
	dec := bin.NewBinDecoder(payload)
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return CreatedOrderID{}, fmt.Errorf("read orderId: %w", err)
	}
	var out CreatedOrderID
	copy(out.OrderID[:], raw)
	return out, nil
}

func decodeFulfilled(payload []byte) (Fulfilled, error) {
	dec := bin.NewBinDecoder(payload)
	orderIDRaw, err := dec.ReadNBytes(32)
	if err != nil {
		return Fulfilled{}, fmt.Errorf("read orderId: %w", err)
	}
	takerRaw, err := dec.ReadNBytes(32)
	if err != nil {
		return Fulfilled{}, fmt.Errorf("read taker: %w", err)
	}
	var out Fulfilled
	copy(out.OrderID[:], orderIDRaw)
	copy(out.Taker[:], takerRaw)
	return out, nil
}

// HexOrderID renders a 32-byte order ID as a lowercase 64-character hex string.
func HexOrderID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}
