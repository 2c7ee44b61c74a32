package oauth

// AuthorizeRequest is the JSON body of POST /oauth/authorize. The caller is
// the trusted front end that has already authenticated the resource owner.
type AuthorizeRequest struct {
	ClientID            string   `json:"clientId"`
	ResourceOwnerID     string   `json:"resourceOwnerId"`
	ResponseType        string   `json:"responseType"`
	RedirectURI         string   `json:"redirectUri"`
	Scope               []string `json:"scope"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
}

// AuthorizeResponse carries the issued authorization code.
type AuthorizeResponse struct {
	Code        string `json:"code"`
	State       string `json:"state,omitempty"`
	RedirectURI string `json:"redirectUri"`
	Scope       string `json:"scope"`
}

// TokenResponse represents a successful token endpoint response (RFC 6749 Section 5.1)
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`

	// IDToken is only present on authorization code exchanges that granted openid.
	IDToken string `json:"id_token,omitempty"`
}

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// State echoes the authorize request state
	State string `json:"state,omitempty"`
}

// tokenRequestBody is the JSON alternative to the form encoded token and
// revocation requests.
type tokenRequestBody struct {
	GrantType     string `json:"grant_type"`
	Code          string `json:"code"`
	RedirectURI   string `json:"redirect_uri"`
	CodeVerifier  string `json:"code_verifier"`
	RefreshToken  string `json:"refresh_token"`
	Scope         string `json:"scope"`
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint"`
}
