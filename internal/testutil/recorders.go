package testutil

import (
	"context"
	"sync"

	"github.com/g960059/agtpilot/internal/model"
)

// Published is one presentation event captured by a Publisher.
type Published struct {
	Channel string
	Payload any
}

// Publisher records presentation events in send order.
type Publisher struct {
	mu     sync.Mutex
	events []Published
}

func (p *Publisher) Send(channel string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Published{Channel: channel, Payload: payload})
	return nil
}

// Deliver lets a Publisher stand in for a delivery sink.
func (p *Publisher) Deliver(channel string, payload any) error {
	return p.Send(channel, payload)
}

func (p *Publisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.events...)
}

// On returns the payloads published on channel.
func (p *Publisher) On(channel string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, ev := range p.events {
		if ev.Channel == channel {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// Commander records engine commands.
type Commander struct {
	mu       sync.Mutex
	commands []model.Command
	Err      error
}

func (c *Commander) Send(_ context.Context, cmd model.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.commands = append(c.commands, cmd)
	return nil
}

func (c *Commander) Commands() []model.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Command(nil), c.commands...)
}

// Types returns the command types received so far, in order.
func (c *Commander) Types() []model.CommandType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CommandType, 0, len(c.commands))
	for _, cmd := range c.commands {
		out = append(out, cmd.Type)
	}
	return out
}

// Cursor records throttled cursor values.
type Cursor struct {
	mu        sync.Mutex
	values    []any
	discarded int
}

func (c *Cursor) Send(value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
	return nil
}

func (c *Cursor) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discarded++
}

func (c *Cursor) Values() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.values...)
}

func (c *Cursor) Discarded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discarded
}
