package server

import (
	"fmt"
	"net/url"

	"github.com/giantswarm/oauth-issuer/internal/util"
)

const (
	// MaxStateLength bounds the opaque state echoed back to the client.
	MaxStateLength = 512

	// MaxNonceLength bounds the nonce copied into ID tokens.
	MaxNonceLength = 512
)

const oauth21SecurityBestPracticesURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.1.1"

// validateHTTPSEnforcement requires an https issuer, except on loopback
// hosts or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	if s.config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.config.Issuer)
	if err != nil || issuerURL.Host == "" {
		return fmt.Errorf("invalid issuer URL %q", s.config.Issuer)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHostname(hostname) {
		s.logger.Warn("Running the issuer over HTTP on localhost",
			"issuer", s.config.Issuer,
			"learn_more", oauth21SecurityBestPracticesURL)
		return nil
	}

	if !s.config.AllowInsecureHTTP {
		return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP to override", issuerURL.Scheme, hostname)
	}

	s.logger.Error("Running the issuer over HTTP on a non-loopback host",
		"issuer", s.config.Issuer,
		"hostname", hostname,
		"risk", "Tokens and credentials exposed to interception",
		"learn_more", oauth21SecurityBestPracticesURL)
	return nil
}

// validateStateParameter bounds the length of state. state itself is opaque
// and optional.
func validateStateParameter(state string) error {
	if len(state) > MaxStateLength {
		return fmt.Errorf("state exceeds %d characters", MaxStateLength)
	}
	return nil
}

func validateNonce(nonce string) error {
	if len(nonce) > MaxNonceLength {
		return fmt.Errorf("nonce exceeds %d characters", MaxNonceLength)
	}
	return nil
}
