package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// HTTPTransport forwards operations by POSTing them to the remote
// garden's forward endpoint.
type HTTPTransport struct {
	garden string
	params *model.HTTPConnectionParams
	client *http.Client
	base   string
}

// NewHTTPTransport builds a transport for the given connection params.
func NewHTTPTransport(garden string, params *model.HTTPConnectionParams) *HTTPTransport {
	scheme := "http"
	transport := &http.Transport{}
	if params.SSL {
		scheme = "https"
		tlsConfig := &tls.Config{InsecureSkipVerify: !params.CAVerify}
		if params.CACert != "" {
			if pem, err := os.ReadFile(params.CACert); err == nil {
				pool := x509.NewCertPool()
				pool.AppendCertsFromPEM(pem)
				tlsConfig.RootCAs = pool
			}
		}
		transport.TLSClientConfig = tlsConfig
	}

	prefix := strings.Trim(params.URLPrefix, "/")
	base := fmt.Sprintf("%s://%s:%d", scheme, params.Host, params.Port)
	if prefix != "" {
		base += "/" + prefix
	}

	return &HTTPTransport{
		garden: garden,
		params: params,
		base:   base,
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// Connect verifies the remote garden answers its version endpoint.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/api/v1/version", nil)
	if err != nil {
		return errors.Wrap(err, "HTTPTransport", "Connect", "build probe")
	}
	t.authorize(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPTransport", "Connect", t.garden)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return errors.WrapTransient(
			fmt.Errorf("probe returned %d", resp.StatusCode),
			"HTTPTransport", "Connect", t.garden)
	}
	return nil
}

// Send POSTs the envelope to the remote forward endpoint.
func (t *HTTPTransport) Send(ctx context.Context, op *model.Operation) error {
	body, err := op.Serialize()
	if err != nil {
		return errors.Wrap(err, "HTTPTransport", "Send", "serialize operation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.base+"/api/v1/forward", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "HTTPTransport", "Send", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPTransport", "Send", t.garden)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return errors.WrapTransient(
			fmt.Errorf("forward returned %d", resp.StatusCode),
			"HTTPTransport", "Send", t.garden)
	}
	if resp.StatusCode >= 400 {
		return errors.WrapValidation(
			fmt.Errorf("forward returned %d", resp.StatusCode),
			"HTTPTransport", "Send", t.garden)
	}
	return nil
}

// Subscribe is a no-op: children reach the parent over the parent's own
// API, not back over this connection.
func (t *HTTPTransport) Subscribe(OperationHandler) {}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) authorize(req *http.Request) {
	if t.params.Username != "" {
		req.SetBasicAuth(t.params.Username, t.params.Password)
	}
}
