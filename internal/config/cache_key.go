package config

import (
	"fmt"
	"strings"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// TestDefinitionKey returns the cache key for a test definition (with answer keys).
func (r *CacheKeyStruct) TestDefinitionKey(testID string) string {
	return fmt.Sprintf("test:%s:definition", testID)
}

// SessionEventsChannel returns the Redis PubSub channel for a session's lifecycle events.
func (r *CacheKeyStruct) SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// SessionEventsPattern matches every session events channel.
func (r *CacheKeyStruct) SessionEventsPattern() string {
	return "session:*:events"
}

// SessionIDFromChannel extracts the session id from a session events channel name.
func (r *CacheKeyStruct) SessionIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, "session:") || !strings.HasSuffix(channel, ":events") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(channel, "session:"), ":events")
	return id, id != ""
}

var CacheKey = NewCacheKeyStruct()
