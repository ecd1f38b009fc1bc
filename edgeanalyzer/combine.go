package edgeanalyzer

// combinedHandler forwards every callback to each wrapped Handler in order,
// short-circuiting on the first error.
type combinedHandler struct {
	handlers []Handler
}

// Combine returns a Handler that fans out OnNewBlock/AtDecodeBegin to each of
// handlers in order. If every wrapped handler also implements
// CacheAggregator, the combined handler does too, fanning out TakeCache/
// ClearCurrentCache/OnReusedCache/ShouldClearAllCache the same way (with
// TakeCache/OnReusedCache keys carried as a per-handler slice).
func Combine(handlers ...Handler) Handler {
	c := &combinedHandler{handlers: handlers}
	for _, h := range handlers {
		if _, ok := h.(CacheAggregator); !ok {
			return c
		}
	}
	return &combinedCacheAggregator{combinedHandler: c}
}

func (c *combinedHandler) AtDecodeBegin() {
	for _, h := range c.handlers {
		h.AtDecodeBegin()
	}
}

func (c *combinedHandler) OnNewBlock(addr uint64, kind TransitionKind) error {
	for _, h := range c.handlers {
		if err := h.OnNewBlock(addr, kind); err != nil {
			return err
		}
	}
	return nil
}

var _ Handler = (*combinedHandler)(nil)

// combinedCacheAggregator wraps combinedHandler when every constituent
// handler implements CacheAggregator, fanning out the cache protocol across
// all of them with each handler's own key carried independently.
type combinedCacheAggregator struct {
	*combinedHandler
}

func (c *combinedCacheAggregator) TakeCache() any {
	keys := make([]any, len(c.handlers))
	for i, h := range c.handlers {
		keys[i] = h.(CacheAggregator).TakeCache()
	}
	return keys
}

func (c *combinedCacheAggregator) ClearCurrentCache() {
	for _, h := range c.handlers {
		h.(CacheAggregator).ClearCurrentCache()
	}
}

func (c *combinedCacheAggregator) OnReusedCache(key any) {
	keys, ok := key.([]any)
	if !ok || len(keys) != len(c.handlers) {
		return
	}
	for i, h := range c.handlers {
		h.(CacheAggregator).OnReusedCache(keys[i])
	}
}

func (c *combinedCacheAggregator) ShouldClearAllCache() bool {
	for _, h := range c.handlers {
		if h.(CacheAggregator).ShouldClearAllCache() {
			return true
		}
	}
	return false
}

var _ CacheAggregator = (*combinedCacheAggregator)(nil)
