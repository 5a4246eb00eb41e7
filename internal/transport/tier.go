// Package transport implements the ranked delivery tiers between peer
// agents and the coordinator, and the connection supervisor that keeps
// the Tier-1 duplex channel healthy.
package transport

import (
	"context"
	"fmt"

	"github.com/quicktab/tabsync/internal/tabsync"
)

// Tier is one ranked delivery mechanism. Selection iterates a ranked list
// of tiers; nothing branches on tier identity.
type Tier interface {
	Name() string
	Available() bool
	Send(ctx context.Context, env tabsync.Envelope) error
	Subscribe(fn func(env tabsync.Envelope)) (cancel func())
}

// Querier serves full-state fetches for cold starts and resyncs.
type Querier interface {
	Query(ctx context.Context) (tabsync.StateSnapshot, error)
}

// Chain is the ranked fallback list. Send walks the tiers in order and
// returns the name of the tier that accepted the envelope.
type Chain struct {
	tiers  []Tier
	logger tabsync.Logger
}

func NewChain(logger tabsync.Logger, tiers ...Tier) *Chain {
	return &Chain{tiers: tiers, logger: logger}
}

// Tiers returns the ranked list.
func (c *Chain) Tiers() []Tier {
	return c.tiers
}

// Send tries each available tier in rank order. Per-tier failures are
// handled locally; the caller only sees an error once every tier is
// exhausted.
func (c *Chain) Send(ctx context.Context, env tabsync.Envelope) (string, error) {
	var lastErr error
	for _, tier := range c.tiers {
		if !tier.Available() {
			continue
		}
		err := tier.Send(ctx, env)
		if err == nil {
			return tier.Name(), nil
		}
		lastErr = err
		c.logf("send via %s failed, falling through: %v", tier.Name(), err)
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", tabsync.ErrTransportUnavailable, lastErr)
	}
	return "", tabsync.ErrTransportUnavailable
}

// SubscribeAll subscribes fn to every tier, tagging nothing: callers who
// need the delivering tier subscribe per tier instead.
func (c *Chain) SubscribeAll(fn func(env tabsync.Envelope)) (cancel func()) {
	cancels := make([]func(), 0, len(c.tiers))
	for _, tier := range c.tiers {
		cancels = append(cancels, tier.Subscribe(fn))
	}
	return func() {
		for _, cancelOne := range cancels {
			cancelOne()
		}
	}
}

func (c *Chain) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// subscriberSet is the shared fan-out helper tiers embed.
type subscriberSet struct {
	subs   map[int]func(tabsync.Envelope)
	nextID int
}

func newSubscriberSet() subscriberSet {
	return subscriberSet{subs: map[int]func(tabsync.Envelope){}}
}

func (s *subscriberSet) add(fn func(tabsync.Envelope)) int {
	s.nextID++
	s.subs[s.nextID] = fn
	return s.nextID
}

func (s *subscriberSet) remove(id int) {
	delete(s.subs, id)
}

func (s *subscriberSet) snapshot() []func(tabsync.Envelope) {
	out := make([]func(tabsync.Envelope), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}
