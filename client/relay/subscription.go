package relay

import (
	"github.com/adwski/beacon/backend/model"
)

// Subscription receives inbound announcements of the requested types.
// C is closed when the subscription or the connection is closed.
type Subscription struct {
	C <-chan model.Announcement

	c      chan model.Announcement
	types  map[string]struct{}
	client *Client
}

// Subscribe registers interest in the given announcement types.
// No types means every announcement.
func (c *Client) Subscribe(types ...string) *Subscription {
	ch := make(chan model.Announcement, subscriptionBuffer)
	sub := &Subscription{C: ch, c: ch, client: c}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	select {
	case <-c.done:
		close(ch)
	default:
		c.subs[sub] = struct{}{}
	}
	return sub
}

func (sub *Subscription) wants(typ string) bool {
	if sub.types == nil {
		return true
	}
	_, ok := sub.types[typ]
	return ok
}

func (sub *Subscription) Close() {
	c := sub.client
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.subs[sub]; ok {
		delete(c.subs, sub)
		close(sub.c)
	}
}
