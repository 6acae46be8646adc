package events

import "crypto/sha256"

// Discriminator returns the 8-byte Anchor-style event discriminator for the
// given event name: SHA-256("event:<name>")[0:8].
func Discriminator(eventName string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + eventName))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	createdOrderDiscriminator   = Discriminator("CreatedOrder")
	createdOrderIDDiscriminator = Discriminator("CreatedOrderId")
	fulfilledDiscriminator      = Discriminator("Fulfilled")
)
