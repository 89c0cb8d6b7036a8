package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gatewise/toolgate/pkce"
	"github.com/gatewise/toolgate/storage"
)

const (
	oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"
)

// validateHTTPSEnforcement ensures the issuer runs over HTTPS outside of
// localhost development. OAuth over HTTP exposes all tokens, authorization
// codes, and client credentials to interception.
//
// The validation logic:
//   - HTTPS URLs: always allowed
//   - HTTP on localhost: allowed with warning (development)
//   - HTTP on non-localhost: blocked unless AllowInsecureHTTP=true
func (s *Server) validateHTTPSEnforcement() error {
	// An empty issuer fails elsewhere with a more appropriate error
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == "https" {
		return nil
	}

	if issuerURL.Scheme == "http" {
		hostname := issuerURL.Hostname()

		// Allow localhost for development (with warning)
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"risk", "Credentials exposed on local network",
					"recommendation", "Use HTTPS even in development for production-like testing",
					"to_suppress", "Set AllowInsecureHTTP=true in Config",
					"learn_more", oauth21SecurityBestPracticesURL)
			}
			return nil
		}

		// Non-localhost HTTP is blocked unless explicitly allowed
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"To run on localhost for development, set AllowInsecureHTTP=true. "+
					"For production, use HTTPS",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately",
			"compliance", "OAuth 2.1 requires HTTPS for all production endpoints",
			"learn_more", oauth21SecurityBestPracticesURL)

		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), localhost, and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// url.Hostname() may leave brackets on IPv6 literals; net.ParseIP
	// does not accept them
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI validates that a redirect URI exactly matches one of
// the client's registered URIs. Pattern or prefix matching is deliberately
// not supported; OAuth 2.1 requires exact string comparison.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateScopes validates that requested scopes are supported by the server
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	if scope == "" {
		return nil // Empty scope is allowed
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateClientScopes validates that requested scopes are allowed for the
// specific client. An empty client scope list means no restriction.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}

	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		if !containsScope(clientScopes, reqScope) {
			// Generic error: naming the offending scope would let clients
			// enumerate another client's grants
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// validateStateParameter enforces presence and minimum length of the state
// parameter. Short state values could be brute-forced via timing channels.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}

	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}

	return nil
}

// validateChallenge enforces the server's PKCE policy on an authorization
// request: challenge presence when PKCE is required, and an acceptable
// challenge method.
func (s *Server) validateChallenge(challenge, method string) error {
	if s.Config.RequirePKCE && challenge == "" {
		return fmt.Errorf("PKCE is required: code_challenge and code_challenge_method parameters are mandatory (OAuth 2.1)")
	}

	if challenge == "" {
		return nil
	}

	if method == "" {
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	}

	if method == pkce.MethodPlain && !s.Config.AllowPKCEPlain {
		return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported for security)")
	}

	if method != pkce.MethodS256 && method != pkce.MethodPlain {
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256%s)", method, func() string {
			if s.Config.AllowPKCEPlain {
				return ", plain"
			}
			return ""
		}())
	}

	return nil
}

// intersectScopes returns the scopes in requested that the client is allowed
// to hold, preserving request order. An empty allowed list permits every
// requested scope.
func intersectScopes(requested string, allowed []string) string {
	if requested == "" {
		return ""
	}
	if len(allowed) == 0 {
		return requested
	}

	var granted []string
	for _, scope := range strings.Fields(requested) {
		if containsScope(allowed, scope) {
			granted = append(granted, scope)
		}
	}
	return strings.Join(granted, " ")
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
