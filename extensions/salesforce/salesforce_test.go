package salesforce

import (
	"net/http"
	"testing"
)

func TestStaticTokenAuthenticator(t *testing.T) {
	testCases := []struct {
		name              string
		url               string
		token             string
		hostSuffix        string
		expectedCallCount int
		shouldErr         bool
	}{
		{"empty token", "https://login.salesforce.com", "", "", 0, true},
		{"non-empty token", "https://login.salesforce.com", "token", "", 1, false},
		{"request to something other than salesforce", "https://github.com", "token", "", 0, false},
		{"custom host suffix", "https://broker.example.com", "token", "example.com", 1, false},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			recorder := &recordingRoundTripper{expectedToken: tc.token}
			authenticator := &StaticTokenAuthenticator{
				Token:      tc.token,
				Transport:  recorder,
				HostSuffix: tc.hostSuffix,
			}
			req, _ := http.NewRequest("GET", tc.url, nil)
			_, err := authenticator.RoundTrip(req)
			if tc.shouldErr && err == nil {
				t.Fatal("expected an error but received none")
			}
			if err != nil && !tc.shouldErr {
				t.Fatalf("didn't expect an error but received one: %q", err)
			}
			if want, got := tc.expectedCallCount, recorder.authorizedCalls; want != got {
				t.Fatalf("expected %d authorized calls, got %d", want, got)
			}
		})
	}
}

func TestRoundTripDoesNotMutateTheOriginalRequest(t *testing.T) {
	authenticator := &StaticTokenAuthenticator{
		Token:     "token",
		Transport: &recordingRoundTripper{expectedToken: "token"},
	}
	req, _ := http.NewRequest("GET", "https://login.salesforce.com", nil)
	if _, err := authenticator.RoundTrip(req); err != nil {
		t.Fatalf("unexpected error: %q", err)
	}
	if got := req.Header.Get("Authorization"); got != "" {
		t.Errorf("original request was mutated: %q", got)
	}
}

type recordingRoundTripper struct {
	authorizedCalls int
	expectedToken   string
}

func (t *recordingRoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	if request.Header.Get("Authorization") == "Bearer "+t.expectedToken {
		t.authorizedCalls++
	}
	return &http.Response{}, nil
}
