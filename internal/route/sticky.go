package route

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// StickyStore keeps plan tokens per conversation id so successive turns of
// a conversation replay the token to the policy service. Bounded by an LRU
// so abandoned conversations age out.
type StickyStore struct {
	cache *lru.Cache[string, string]
}

// defaultStickinessCap bounds the store when no cap is configured.
const defaultStickinessCap = 10_000

// NewStickyStore returns a store holding at most capacity tokens.
func NewStickyStore(capacity int) *StickyStore {
	if capacity <= 0 {
		capacity = defaultStickinessCap
	}
	cache, err := lru.New[string, string](capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &StickyStore{cache: cache}
}

// Token returns the plan token remembered for the conversation.
func (s *StickyStore) Token(conversationID string) (string, bool) {
	if conversationID == "" {
		return "", false
	}
	return s.cache.Get(conversationID)
}

// Remember stores the plan token for the conversation. Empty values are
// ignored so a plan without stickiness does not clear an earlier token.
func (s *StickyStore) Remember(conversationID, token string) {
	if conversationID == "" || token == "" {
		return
	}
	s.cache.Add(conversationID, token)
}

// Len reports how many conversations currently hold tokens.
func (s *StickyStore) Len() int { return s.cache.Len() }
