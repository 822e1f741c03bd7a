package kaliot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"

	pkgerrors "github.com/pkg/errors"
)

// ErrUnexpectedStatus is returned when the endpoint answers with a non 2xx status.
var ErrUnexpectedStatus = errors.New("unexpected status code received")

// Endpoint represents a target endpoint.
type Endpoint struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
	Query  string `json:"query" yaml:"query"`
}

// EndpointConfig represents the configuration of all endpoints that the HTTP transport will send to.
type EndpointConfig struct {
	Host             string   `json:"host" yaml:"host"`
	SendObservations Endpoint `json:"sendObservations" yaml:"sendObservations"`
}

// HTTPClient is the http client that will be used by an HTTPTransport.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// TokenSource returns the value of the Authorization header, or "" for none.
type TokenSource func() (string, error)

// HTTPTransport sends each telemetry message as one HTTPS request.
type HTTPTransport struct {
	endpointConfig EndpointConfig
	cli            HTTPClient
	token          TokenSource
}

// NewHTTPTransport creates a new HTTPTransport. token may be nil.
func NewHTTPTransport(config EndpointConfig, cli HTTPClient, token TokenSource) *HTTPTransport {
	return &HTTPTransport{
		endpointConfig: config,
		cli:            cli,
		token:          token,
	}
}

// Send posts payload to the observations endpoint.
func (ht *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	endpoint := ht.endpointConfig.SendObservations
	req, err := http.NewRequest(
		endpoint.Method,
		(&url.URL{
			Scheme:   "https",
			Host:     ht.endpointConfig.Host,
			Path:     endpoint.Path,
			RawQuery: endpoint.Query,
		}).String(),
		ioutil.NopCloser(bytes.NewReader(payload)),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	if ht.token != nil {
		token, err := ht.token()
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to create authorization token")
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}

	resp, err := ht.cli.Do(req)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to send http request")
	}
	if resp.Body != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(ioutil.Discard, resp.Body)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return pkgerrors.Wrapf(ErrUnexpectedStatus, "status %d", resp.StatusCode)
	}

	return nil
}
