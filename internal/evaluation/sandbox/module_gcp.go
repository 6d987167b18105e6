package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

const (
	gcpTokenURL   = "https://oauth2.googleapis.com/token"
	gcpScope      = "https://www.googleapis.com/auth/cloud-platform"
	gcpHostSuffix = ".googleapis.com"
	gcpGrantType  = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// GCPModule issues GET requests to Google APIs using a service-account
// assertion exchanged for an access token.
type GCPModule struct {
	TokenURL   string
	HostSuffix string
	client     *resty.Client
	now        func() time.Time
}

// NewGCPModule creates the gcp capability.
func NewGCPModule(timeout time.Duration) *GCPModule {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &GCPModule{
		TokenURL:   gcpTokenURL,
		HostSuffix: gcpHostSuffix,
		client:     resty.New().SetTimeout(timeout),
		now:        time.Now,
	}
}

func (m *GCPModule) Name() string { return "gcp" }

func (m *GCPModule) Open(L *lua.LState, env *Env) lua.LValue {
	var token string
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			target := L.CheckString(1)
			u, err := url.Parse(target)
			if err != nil || !strings.HasSuffix(u.Hostname(), m.HostSuffix) {
				L.RaiseError("gcp url must target %s: %s", m.HostSuffix, target)
				return 0
			}
			if token == "" {
				t, err := m.token(env)
				if err != nil {
					L.RaiseError("%s", err.Error())
					return 0
				}
				token = t
			}
			resp, err := m.client.R().SetContext(env.Context).SetAuthToken(token).Get(target)
			if err != nil {
				L.RaiseError("gcp request failed: %s", err.Error())
				return 0
			}
			L.Push(responseTable(L, resp.StatusCode(), resp.String()))
			return 1
		},
		"project_id": func(L *lua.LState) int {
			L.Push(lua.LString(serviceAccountField(env, "project_id")))
			return 1
		},
	})
}

// serviceAccountField reads a field either from the flat credentials or from
// an embedded service account key JSON document.
func serviceAccountField(env *Env, field string) string {
	if v := env.Credentials.Get(field); v != "" {
		return v
	}
	return gjson.Get(env.Credentials.Get("service_account_key"), field).String()
}

func (m *GCPModule) token(env *Env) (string, error) {
	email := serviceAccountField(env, "client_email")
	pemKey := serviceAccountField(env, "private_key")
	if email == "" || pemKey == "" {
		return "", fmt.Errorf("gcp credentials require client_email and private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return "", fmt.Errorf("parse gcp private key failed: %w", err)
	}
	now := m.now()
	claims := jwt.MapClaims{
		"iss":   email,
		"scope": gcpScope,
		"aud":   m.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign gcp assertion failed: %w", err)
	}
	resp, err := m.client.R().
		SetContext(env.Context).
		SetFormData(map[string]string{
			"grant_type": gcpGrantType,
			"assertion":  assertion,
		}).
		Post(m.TokenURL)
	if err != nil {
		return "", fmt.Errorf("gcp token request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("gcp token request rejected: %s", gjson.Get(resp.String(), "error_description").String())
	}
	token := gjson.Get(resp.String(), "access_token").String()
	if token == "" {
		return "", fmt.Errorf("gcp token response has no access_token")
	}
	return token, nil
}
