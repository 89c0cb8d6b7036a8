// Package gateway dispatches authenticated tool calls to a backend.
//
// A Dispatcher composes the access-control layers in a fixed order: bearer
// token validation, per-client rate limiting, then the response cache, and
// only then the backend Invoker. An authentication failure returns before the
// limiter or cache are touched, so unauthenticated traffic cannot consume a
// client's quota or probe cached state.
//
// Tool semantics are opaque to this package. Per-tool CallPolicy entries
// declare which scopes a tool requires and whether its results may be cached;
// everything else about a tool lives behind the Invoker.
//
// Example usage:
//
//	dispatcher, err := gateway.New(srv, invoker, gateway.Config{
//		Limiter: limiter,
//		Cache:   cache.NewLRU(1000),
//		Policies: map[string]gateway.CallPolicy{
//			"search": {Scopes: []string{"tools:read"}, Cacheable: true, TTL: time.Minute},
//			"write":  {Scopes: []string{"tools:write"}},
//		},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := dispatcher.Dispatch(ctx, gateway.Call{
//		Token: bearerToken,
//		Tool:  "search",
//		Args:  map[string]any{"query": "release notes"},
//	})
package gateway
