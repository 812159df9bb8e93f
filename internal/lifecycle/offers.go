package lifecycle

import (
	"errandline/internal/domain"
)

// addOffer puts o at the front of the list, replacing an older copy.
func (c *Controller) addOffer(o domain.Offer) {
	if o.TaskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]domain.Offer, 0, len(c.offers)+1)
	next = append(next, o)
	for _, existing := range c.offers {
		if existing.TaskID != o.TaskID {
			next = append(next, existing)
		}
	}
	if len(next) > c.opts.OfferCapacity {
		next = next[:c.opts.OfferCapacity]
	}
	c.offers = next
}

func (c *Controller) dropOffer(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.offers {
		if o.TaskID == taskID {
			c.offers = append(c.offers[:i:i], c.offers[i+1:]...)
			return
		}
	}
}

// Offers returns the pending offers, most recent first.
func (c *Controller) Offers() []domain.Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Offer(nil), c.offers...)
}

// DismissOffer removes an offer without answering it.
func (c *Controller) DismissOffer(taskID string) {
	c.dropOffer(taskID)
}
