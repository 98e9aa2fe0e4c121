package redisearch

import "github.com/redis/rueidis"

// NewIndexForTest creates an Index with the provided client (e.g. a rueidis mock).
func NewIndexForTest(c rueidis.Client) *Index {
	return &Index{client: c}
}
