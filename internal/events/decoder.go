package events

import (
	"encoding/base64"
)

// Kind identifies which protocol event a decoded log line represented.
type Kind string

const (
	KindOrderCreated   Kind = "created"
	KindOrderFulfilled Kind = "fulfilled"
)

// DecodedOrder is the result of pairing a CreatedOrder with its
// CreatedOrderId in the same transaction.
type DecodedOrder struct {
	OrderID   string
	GiveOffer Offer
	TakeOffer Offer
}

// DecodedFulfillment is one Fulfilled event extracted from a transaction.
type DecodedFulfillment struct {
	OrderID string
	Taker   [32]byte
}

// Decoded holds everything extracted from one transaction's log messages for
// a single owning program.
type Decoded struct {
	Orders       []DecodedOrder
	Fulfillments []DecodedFulfillment
}

// Decode filters logMessages to the frames owned by programAddress, decodes
// every recognized event payload, and pairs CreatedOrder with CreatedOrderId
// by transaction. Decode errors on individual events are swallowed; the event
// is skipped and decoding continues with the rest of the transaction.
func Decode(logMessages []string, programAddress string) Decoded {
	lines := programDataLines(logMessages, programAddress)

	var (
		createdOrders []CreatedOrder
		orderIDs      []CreatedOrderID
		result        Decoded
	)

	for _, line := range lines {
		payload, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			continue
		}
		if len(payload) < 8 {
			continue
		}

		var discriminator [8]byte
		copy(discriminator[:], payload[:8])
		body := payload[8:]

		switch discriminator {
		case createdOrderDiscriminator:
			order, err := decodeCreatedOrder(body)
			if err != nil {
				continue
			}
			createdOrders = append(createdOrders, order)
		case createdOrderIDDiscriminator:
			id, err := decodeCreatedOrderID(body)
			if err != nil {
				continue
			}
			orderIDs = append(orderIDs, id)
		case fulfilledDiscriminator:
			fulfilled, err := decodeFulfilled(body)
			if err != nil {
				continue
			}
			result.Fulfillments = append(result.Fulfillments, DecodedFulfillment{
				OrderID: HexOrderID(fulfilled.OrderID),
				Taker:   fulfilled.Taker,
			})
		}
	}

	// A created order is only valid when both CreatedOrder and
	// CreatedOrderId appear in the same transaction; pair by position since
	// the protocol emits them adjacently for the same order.
	pairCount := len(createdOrders)
	if len(orderIDs) < pairCount {
		pairCount = len(orderIDs)
	}
	for i := 0; i < pairCount; i++ {
		result.Orders = append(result.Orders, DecodedOrder{
			OrderID:   HexOrderID(orderIDs[i].OrderID),
			GiveOffer: createdOrders[i].GiveOffer,
			TakeOffer: createdOrders[i].TakeOffer,
		})
	}

	return result
}

// EncodeEvent builds a synthetic "Program data: <base64>" payload for an
// event, for use in tests exercising the round-trip decode path.
func EncodeEvent(eventName string, body []byte) string {
	discriminator := Discriminator(eventName)
	payload := make([]byte, 0, 8+len(body))
	payload = append(payload, discriminator[:]...)
	payload = append(payload, body...)
	return base64.StdEncoding.EncodeToString(payload)
}
