// Package salesforce provides helpers for talking to Salesforce's Bayeux
// endpoints over the long-polling transport.
package salesforce

import (
	"errors"
	"net/http"
	"strings"
)

const defaultHostSuffix = "salesforce.com"

// ErrNoToken is returned when the authenticator is used without a token
var ErrNoToken = errors.New("no access token provided to authenticator transport")

// StaticTokenAuthenticator is an http.RoundTripper decorator that attaches
// a bearer token to every request aimed at the configured host. Plug it
// into the long-polling transport with bayeux.WithHTTPTransport.
type StaticTokenAuthenticator struct {
	// Token is the access token obtained from the Salesforce CLI or the
	// OAuth token endpoint. See
	// https://developer.salesforce.com/docs/atlas.en-us.api_iot.meta/api_iot/qs_auth_access_token.htm
	Token string
	// Transport is the http.RoundTripper the decorated request is forwarded
	// to
	Transport http.RoundTripper
	// HostSuffix scopes which hosts receive the Authorization header.
	// Requests to other hosts pass through untouched. Defaults to
	// "salesforce.com".
	HostSuffix string
}

// RoundTrip implements the RoundTripper interface
func (t *StaticTokenAuthenticator) RoundTrip(request *http.Request) (*http.Response, error) {
	suffix := t.HostSuffix
	if suffix == "" {
		suffix = defaultHostSuffix
	}
	if !strings.HasSuffix(request.URL.Hostname(), suffix) {
		return t.Transport.RoundTrip(request)
	}
	if t.Token == "" {
		return nil, ErrNoToken
	}

	// Per the RoundTripper contract the original request is not mutated.
	authorized := request.Clone(request.Context())
	authorized.Header.Set("Authorization", "Bearer "+t.Token)
	return t.Transport.RoundTrip(authorized)
}
