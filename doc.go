// Package toolgate is an embeddable access-control layer for gateways that
// expose remote tool calls to automated clients.
//
// It combines an OAuth 2.1 authorization server with mandatory PKCE, a
// per-client fixed-window rate limiter, a bounded response cache, and a
// dispatcher that composes them in front of a caller-supplied invoker.
// NewHandler builds the whole stack from a single Config; Routes returns
// the HTTP surface:
//
//	GET  /auth        authorization endpoint (302 with code and state)
//	POST /token       token endpoint (authorization_code, refresh_token)
//	POST /tools/call  Bearer-protected tool dispatch
//	GET  /.well-known/oauth-authorization-server  RFC 8414 discovery
//
// Minimal use:
//
//	handler, err := toolgate.NewHandler(invoker, &toolgate.Config{
//		Issuer:          "https://gate.example.com",
//		SupportedScopes: []string{"tools:read", "tools:write"},
//		RateLimit:       toolgate.RateLimitConfig{Limit: 60},
//		Tools: map[string]gateway.CallPolicy{
//			"search": {Scopes: []string{"tools:read"}, Cacheable: true},
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer handler.Close()
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// Defaults are secure: PKCE S256 is required, plain HTTP issuers outside
// localhost are rejected, and proxy headers are not trusted. Subpackages
// hold the building blocks for applications that want to compose their
// own stack.
package toolgate
