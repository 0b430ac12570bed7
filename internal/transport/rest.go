package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/routeros-fleet/controlplane/internal/ccerrors"
)

// RESTClient speaks JSON-over-HTTPS to a single device's management API.
// RouterOS devices commonly run with self-signed certificates, so TLS
// verification is policy-configurable at broker level.
type RESTClient struct {
	baseURL  string
	username string
	password string
	httpc    *http.Client
}

func newRESTClient(address string, port int, username, password string, verifySSL bool, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:  fmt.Sprintf("https://%s:%d", address, port),
		username: username,
		password: password,
		httpc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !verifySSL},
			},
		},
	}
}

// GetJSON fetches path (e.g. "/rest/system/resource") and decodes the
// response into out.
func (c *RESTClient) GetJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return ccerrors.Wrap(ccerrors.DeviceUnreachable, "device REST call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ccerrors.New(ccerrors.DeviceUnreachable,
			fmt.Sprintf("device REST call returned %d: %s", resp.StatusCode, string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ExportConfig asks the device for its full configuration export. The
// REST export endpoint answers either raw text or a JSON envelope with a
// "ret" field depending on RouterOS version; both are handled.
func (c *RESTClient) ExportConfig(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/export",
		bytes.NewReader([]byte(`{"hide-sensitive":"yes"}`)))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.DeviceUnreachable, "device config export failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", ccerrors.New(ccerrors.DeviceUnreachable,
			fmt.Sprintf("device config export returned %d: %s", resp.StatusCode, string(body)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ccerrors.Wrap(ccerrors.DeviceUnreachable, "reading export response", err)
	}
	var envelope struct {
		Ret string `json:"ret"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Ret != "" {
		return envelope.Ret, nil
	}
	return string(raw), nil
}

func (c *RESTClient) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}
