package events

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeOffer(t *testing.T, chainID, amount uint64, token []byte) []byte {
	t.Helper()

	chainIDBytes := make([]byte, 32)
	new(big.Int).SetUint64(chainID).FillBytes(chainIDBytes)

	amountBytes := make([]byte, 32)
	new(big.Int).SetUint64(amount).FillBytes(amountBytes)

	tokenLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(tokenLen, uint32(len(token)))

	out := make([]byte, 0, 32+32+4+len(token))
	out = append(out, chainIDBytes...)
	out = append(out, amountBytes...)
	out = append(out, tokenLen...)
	out = append(out, token...)
	return out
}

func TestDecode_CreatedOrderPairing(t *testing.T) {
	token := make([]byte, 32)
	token[31] = 0x09
	giveBody := encodeOffer(t, 7565164, 1_000_000_000, token)
	takeBody := encodeOffer(t, 1, 2_000_000, token)

	var orderID [32]byte
	orderID[31] = 0x01

	created := EncodeEvent("CreatedOrder", append(giveBody, takeBody...))
	createdID := EncodeEvent("CreatedOrderId", orderID[:])

	logs := []string{
		"Program src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4 invoke [1]",
		"Program data: " + created,
		"Program data: " + createdID,
		"Program src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4 success",
	}

	decoded := Decode(logs, "src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4")
	require.Len(t, decoded.Orders, 1)
	require.Equal(t, "0000000000000000000000000000000000000000000000000000000000000001", decoded.Orders[0].OrderID)
	require.Equal(t, big.NewInt(1_000_000_000), decoded.Orders[0].GiveOffer.Amount)
	require.Equal(t, big.NewInt(7565164), decoded.Orders[0].GiveOffer.ChainID)
}

func TestDecode_IgnoresNestedCPIFrames(t *testing.T) {
	token := make([]byte, 32)
	body := encodeOffer(t, 1, 1, token)
	inner := EncodeEvent("CreatedOrder", append(body, body...))

	logs := []string{
		"Program src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4 invoke [1]",
		"Program SomeOtherProgram1111111111111111111111111 invoke [2]",
		"Program data: " + inner,
		"Program SomeOtherProgram1111111111111111111111111 success",
		"Program src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4 success",
	}

	decoded := Decode(logs, "src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4")
	require.Empty(t, decoded.Orders)
}

func TestDecode_EmptyLogsYieldsNoOrders(t *testing.T) {
	decoded := Decode(nil, "src5qyZHqTqecJV4aY6Cb6zDZLMDzrDKKezs22MPHr4")
	require.Empty(t, decoded.Orders)
	require.Empty(t, decoded.Fulfillments)
}

func TestDecodeBigEndianUint(t *testing.T) {
	low := make([]byte, 32)
	low[31] = 42
	require.Equal(t, big.NewInt(42), DecodeBigEndianUint(low))

	high := make([]byte, 32)
	high[0] = 1
	want := new(big.Int).Lsh(big.NewInt(1), 248)
	require.Equal(t, want, DecodeBigEndianUint(high))
}
