package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/hive/internal/store"
)

// perMessageOverhead approximates the role/framing tokens the upstream
// charges per message.
const perMessageOverhead = 3

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func encodingFor(name string) *tiktoken.Tiktoken {
	if name == "" {
		name = "cl100k_base"
	}

	encodingMu.RLock()
	enc, ok := encodingCache[name]
	encodingMu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil
	}
	encodingMu.Lock()
	encodingCache[name] = enc
	encodingMu.Unlock()
	return enc
}

// CountTokens estimates the token count of text for a model alias.
// Falls back to max(len/4, 1) when no encoder is available.
func (g *Gateway) CountTokens(text, model string) int {
	if enc := encodingFor(g.catalogue.Encoding(model)); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessage estimates the tokens one message costs, including
// role overhead and tool-call payloads.
func (g *Gateway) EstimateMessage(msg Message, model string) int {
	n := perMessageOverhead + g.CountTokens(msg.Content, model)
	for _, tc := range msg.ToolCalls {
		n += g.CountTokens(tc.Name, model) + g.CountTokens(tc.Arguments, model)
	}
	if msg.Thinking != "" {
		n += g.CountTokens(msg.Thinking, model)
	}
	return n
}

// EstimateStoreMessage estimates the tokens a persisted message costs
// when replayed into the context window.
func (g *Gateway) EstimateStoreMessage(m *store.Message, model string) int {
	n := perMessageOverhead + g.CountTokens(m.Content, model)
	for _, tc := range m.ToolCalls {
		n += g.CountTokens(tc.Name, model) + g.CountTokens(tc.Arguments, model)
	}
	if m.Thinking != "" {
		n += g.CountTokens(m.Thinking, model)
	}
	return n
}
