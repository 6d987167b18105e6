package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

const (
	azureManagementURL = "https://management.azure.com"
	azureLoginURL      = "https://login.microsoftonline.com"
	azureScope         = "https://management.azure.com/.default"
)

// AzureModule issues Azure Resource Manager GET requests with a token obtained
// through the client-credentials flow. Only relative paths are accepted, so
// requests never leave the management endpoint.
type AzureModule struct {
	ManagementURL string
	LoginURL      string
	client        *resty.Client
}

// NewAzureModule creates the azure capability against the public cloud endpoints.
func NewAzureModule(timeout time.Duration) *AzureModule {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &AzureModule{
		ManagementURL: azureManagementURL,
		LoginURL:      azureLoginURL,
		client:        resty.New().SetTimeout(timeout),
	}
}

func (m *AzureModule) Name() string { return "azure" }

func (m *AzureModule) Open(L *lua.LState, env *Env) lua.LValue {
	var token string
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			path := L.CheckString(1)
			if !strings.HasPrefix(path, "/") || strings.Contains(path, "://") {
				L.RaiseError("azure path must be relative to the management endpoint: %s", path)
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
			path = strings.ReplaceAll(path, "{subscription_id}", env.Credentials.Get("subscription_id", "subscriptionId"))
			resp, err := m.client.R().
				SetContext(env.Context).
				SetAuthToken(token).
				Get(strings.TrimRight(m.ManagementURL, "/") + path)
			if err != nil {
				L.RaiseError("azure request failed: %s", err.Error())
				return 0
			}
			L.Push(responseTable(L, resp.StatusCode(), resp.String()))
			return 1
		},
		"subscription_id": func(L *lua.LState) int {
			L.Push(lua.LString(env.Credentials.Get("subscription_id", "subscriptionId")))
			return 1
		},
	})
}

func (m *AzureModule) token(env *Env) (string, error) {
	tenant := env.Credentials.Get("tenant_id", "tenantId")
	clientID := env.Credentials.Get("client_id", "clientId")
	secret := env.Credentials.Get("client_secret", "clientSecret")
	if tenant == "" || clientID == "" || secret == "" {
		return "", fmt.Errorf("azure credentials require tenant_id, client_id and client_secret")
	}
	resp, err := m.client.R().
		SetContext(env.Context).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     clientID,
			"client_secret": secret,
			"scope":         azureScope,
		}).
		Post(fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(m.LoginURL, "/"), tenant))
	if err != nil {
		return "", fmt.Errorf("azure token request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("azure token request rejected: %s", gjson.Get(resp.String(), "error_description").String())
	}
	token := gjson.Get(resp.String(), "access_token").String()
	if token == "" {
		return "", fmt.Errorf("azure token response has no access_token")
	}
	return token, nil
}
