package detect

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"vigil/metrics"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultRegexTimeout bounds a single regex match. A timeout is a non-match.
	DefaultRegexTimeout = 100 * time.Millisecond
	// DefaultRegexCacheSize is the number of compiled patterns kept across
	// snapshot reloads.
	DefaultRegexCacheSize = 1024
)

// RegexCache compiles regex condition patterns once and shares them across
// snapshots, so reloading configuration does not recompile unchanged rules.
type RegexCache struct {
	cache   *lru.Cache[string, *regexp2.Regexp]
	timeout time.Duration
}

// NewRegexCache creates a cache holding up to size patterns, each matched
// with the given timeout.
func NewRegexCache(size int, timeout time.Duration) (*RegexCache, error) {
	if size <= 0 {
		size = DefaultRegexCacheSize
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	cache, err := lru.New[string, *regexp2.Regexp](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create regex cache: %w", err)
	}
	return &RegexCache{cache: cache, timeout: timeout}, nil
}

// Compile returns the compiled pattern, compiling and caching it on a miss.
func (c *RegexCache) Compile(pattern string, opts regexp2.RegexOptions) (*regexp2.Regexp, error) {
	key := strconv.Itoa(int(opts)) + "\x00" + pattern
	if re, ok := c.cache.Get(key); ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	re.MatchTimeout = c.timeout
	c.cache.Add(key, re)
	return re, nil
}

// Len returns the number of cached patterns.
func (c *RegexCache) Len() int {
	return c.cache.Len()
}

var (
	sharedCache     *RegexCache
	sharedCacheOnce sync.Once
)

// defaultRegexCache backs the convenience functions that take uncompiled
// rules and conditions.
func defaultRegexCache() *RegexCache {
	sharedCacheOnce.Do(func() {
		sharedCache, _ = NewRegexCache(DefaultRegexCacheSize, DefaultRegexTimeout)
	})
	return sharedCache
}

// matchRegex reports whether re matches input. Errors (including the
// match timeout) are a non-match.
func matchRegex(re *regexp2.Regexp, input string) bool {
	ok, err := re.MatchString(input)
	if err != nil {
		metrics.RegexTimeouts.Inc()
		return false
	}
	return ok
}
