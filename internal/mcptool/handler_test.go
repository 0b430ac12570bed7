package mcptool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeros-fleet/controlplane/internal/auth"
	"github.com/routeros-fleet/controlplane/internal/ccerrors"
)

func bearerToken(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject("alice").
		Claim("role", "admin").
		Claim("email", "alice@example.com").
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-key")))
	require.NoError(t, err)
	return string(signed)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := NewRegistry()
	reg.Register(Tool{
		Descriptor: auth.ToolDescriptor{Name: "echo", Tier: auth.TierFundamental},
		Handle: func(_ context.Context, user auth.User, args json.RawMessage) *Result {
			return OK("hello "+user.Sub, map[string]interface{}{"args": string(args)})
		},
	})
	reg.Register(Tool{
		Descriptor: auth.ToolDescriptor{Name: "boom", Tier: auth.TierFundamental},
		Handle: func(context.Context, auth.User, json.RawMessage) *Result {
			return Fail(ccerrors.New(ccerrors.PlanStateConflict, "plan is already executing"))
		},
	})
	srv := httptest.NewServer(NewRouter(reg, auth.NewIdentityExtractor(), nil))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, tool, bearer, body string) (*http.Response, Result) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/tools/"+tool, strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func TestToolCallSuccess(t *testing.T) {
	srv := newTestServer(t)
	resp, res := call(t, srv, "echo", bearerToken(t), `{"x":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hello alice", res.Content[0].Text)
}

func TestToolCallErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	resp, res := call(t, srv, "boom", bearerToken(t), `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.IsError)
	assert.Equal(t, "PLAN_STATE_CONFLICT", res.Meta["code"])
	assert.Equal(t, "plan is already executing", res.Content[0].Text)
}

func TestToolCallMissingBearer(t *testing.T) {
	srv := newTestServer(t)
	resp, res := call(t, srv, "echo", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, res.IsError)
	assert.Equal(t, "AUTHN", res.Meta["code"])
}

func TestToolCallUnknownTool(t *testing.T) {
	srv := newTestServer(t)
	resp, res := call(t, srv, "does-not-exist", bearerToken(t), `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, res.IsError)
	assert.Equal(t, "VALIDATION", res.Meta["code"])
}

func TestFailNeverLeaksWrappedCause(t *testing.T) {
	err := ccerrors.Wrap(ccerrors.DeviceUnreachable, "device REST call failed",
		assertableSecretError{})
	res := Fail(err)
	assert.True(t, res.IsError)
	assert.Equal(t, "device REST call failed", res.Content[0].Text)
	assert.NotContains(t, res.Content[0].Text, "hunter2")
}

type assertableSecretError struct{}

func (assertableSecretError) Error() string { return "password hunter2 rejected" }
