package session

import (
	"fmt"
	"sort"

	"venuesync/internal/models"
)

// Key identifies a subscription: a channel plus a market id or, for user
// channels, a user address.
type Key struct {
	Channel    models.Channel
	Identifier string
}

func NewKey(channel models.Channel, identifier string) (Key, error) {
	if !channel.Valid() {
		return Key{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidSubscription, channel)
	}
	if identifier == "" {
		return Key{}, fmt.Errorf("%w: empty identifier for channel %q", ErrInvalidSubscription, channel)
	}
	return Key{Channel: channel, Identifier: identifier}, nil
}

func (k Key) String() string {
	return string(k.Channel) + ":" + k.Identifier
}

func (k Key) message(msgType models.MessageType) models.ClientMessage {
	return models.NewSubscriptionMessage(msgType, k.Channel, k.Identifier)
}

// refCounts tracks how many consumers hold each key. Callers serialise
// access.
type refCounts map[Key]int

// acquire increments the count and reports whether it went from 0 to 1.
func (r refCounts) acquire(k Key) bool {
	r[k]++
	return r[k] == 1
}

// release decrements the count and reports whether it went from 1 to 0.
// Releasing a key that is not held is a no-op.
func (r refCounts) release(k Key) (last bool, held bool) {
	n, ok := r[k]
	if !ok {
		return false, false
	}
	if n <= 1 {
		delete(r, k)
		return true, true
	}
	r[k] = n - 1
	return false, true
}

// keys returns the held keys in a stable order.
func (r refCounts) keys() []Key {
	out := make([]Key, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out
}
