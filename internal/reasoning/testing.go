package reasoning

import (
	"context"
	"sync"
)

// ScriptedClient is a deterministic Client for tests. Responses are
// consumed in order; each entry is either a canned response or an
// error. When the script runs out, the last entry repeats.
type ScriptedClient struct {
	mu       sync.Mutex
	script   []ScriptEntry
	pos      int
	Requests []Request
}

// ScriptEntry is one canned exchange.
type ScriptEntry struct {
	Response string
	Err      error
}

// NewScriptedClient builds a fake client from entries.
func NewScriptedClient(entries ...ScriptEntry) *ScriptedClient {
	return &ScriptedClient{script: entries}
}

// Generate replays the next scripted entry.
func (c *ScriptedClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, req)
	if len(c.script) == 0 {
		return "", ErrMalformed
	}
	entry := c.script[min(c.pos, len(c.script)-1)]
	c.pos++
	return entry.Response, entry.Err
}

// GenerateJSON replays the next entry and decodes it.
func (c *ScriptedClient) GenerateJSON(ctx context.Context, req Request, out any) error {
	raw, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}
	return DecodeJSON(raw, out)
}

// Calls reports how many exchanges were consumed.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}
