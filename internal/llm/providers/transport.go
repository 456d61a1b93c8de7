package providers

import "net/http"

// headerInjectingTransport adds a fixed set of headers to every outbound
// request, used to carry per-deployment auth (Azure's api-key) or routing
// hints (OpenRouter's HTTP-Referer) that go-openai's client config has no
// dedicated field for.
type headerInjectingTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerInjectingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range t.headers {
		cloned.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(cloned)
}

func newHeaderInjectingClient(headers map[string]string) *http.Client {
	return &http.Client{Transport: &headerInjectingTransport{headers: headers}}
}
