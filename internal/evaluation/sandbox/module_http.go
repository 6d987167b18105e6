package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	lua "github.com/yuin/gopher-lua"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPModule exposes get and post to scripts. When AllowedHosts is non-empty
// only those hosts and their subdomains are reachable.
type HTTPModule struct {
	AllowedHosts []string
	Timeout      time.Duration
	client       *resty.Client
}

// NewHTTPModule creates the http capability.
func NewHTTPModule(allowedHosts []string, timeout time.Duration) *HTTPModule {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPModule{
		AllowedHosts: allowedHosts,
		Timeout:      timeout,
		client:       resty.New().SetTimeout(timeout),
	}
}

func (m *HTTPModule) Name() string { return "http" }

func (m *HTTPModule) Open(L *lua.LState, env *Env) lua.LValue {
	return L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			target := L.CheckString(1)
			headers := StringTable(L.Get(2))
			return m.do(L, env, "GET", target, "", headers)
		},
		"post": func(L *lua.LState) int {
			target := L.CheckString(1)
			body := L.OptString(2, "")
			headers := StringTable(L.Get(3))
			return m.do(L, env, "POST", target, body, headers)
		},
	})
}

func (m *HTTPModule) do(L *lua.LState, env *Env, method, target, body string, headers map[string]string) int {
	if err := m.checkHost(target); err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	req := m.client.R().SetContext(env.Context).SetHeaders(headers)
	if body != "" {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, target)
	if err != nil {
		L.RaiseError("http %s %s failed: %s", method, target, err.Error())
		return 0
	}
	L.Push(responseTable(L, resp.StatusCode(), resp.String()))
	return 1
}

func (m *HTTPModule) checkHost(target string) error {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url: %s", target)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if len(m.AllowedHosts) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range m.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("host not allowed: %s", host)
}

func responseTable(L *lua.LState, status int, body string) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("status", lua.LNumber(status))
	tbl.RawSetString("body", lua.LString(body))
	tbl.RawSetString("ok", lua.LBool(status >= 200 && status < 300))
	return tbl
}
