package isapi

import (
	"net/http"
	"sort"
	"strings"

	"github.com/yookoala/gofast"
)

// ServerSoftware is reported as SERVER_SOFTWARE.
const ServerSoftware = "isapigw"

// Environ is the ordered variable table served by GetServerVariable.
type Environ struct {
	keys []string
	vals map[string]string
}

// NewEnviron returns an empty table.
func NewEnviron() *Environ {
	return &Environ{vals: make(map[string]string)}
}

// Set adds or replaces key. A new key goes to the end.
func (e *Environ) Set(key, val string) {
	if _, ok := e.vals[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.vals[key] = val
}

// Get returns the value of key.
func (e *Environ) Get(key string) (string, bool) {
	v, ok := e.vals[key]
	return v, ok
}

// Len returns the number of variables.
func (e *Environ) Len() int { return len(e.keys) }

// Each calls fn for every variable in table order.
func (e *Environ) Each(fn func(key, val string)) {
	for _, k := range e.keys {
		fn(k, e.vals[k])
	}
}

// cgiParams derives the standard CGI variables for r with the same
// middleware chain the FastCGI proxy uses.
func cgiParams(r *http.Request) map[string]string {
	var params map[string]string
	capture := func(_ gofast.Client, req *gofast.Request) (*gofast.ResponsePipe, error) {
		params = req.Params
		return nil, nil
	}
	gofast.Chain(gofast.BasicParamsMap, gofast.MapHeader)(capture)(nil, gofast.NewRequest(r))
	if params == nil {
		params = make(map[string]string)
	}
	return params
}

// envInput is what the environment needs beyond the request itself.
type envInput struct {
	documentRoot   string
	filename       string
	scriptName     string
	pathInfo       string
	pathTranslated string
}

// buildEnviron fills the table for one request. Extension-specific
// variables follow the CGI set.
func buildEnviron(r *http.Request, in envInput) *Environ {
	params := cgiParams(r)

	params["SERVER_SOFTWARE"] = ServerSoftware
	params["GATEWAY_INTERFACE"] = "CGI/1.1"
	params["DOCUMENT_ROOT"] = in.documentRoot
	params["SCRIPT_FILENAME"] = in.filename
	params["SCRIPT_NAME"] = in.scriptName
	params["REQUEST_METHOD"] = r.Method
	params["QUERY_STRING"] = r.URL.RawQuery
	params["REQUEST_URI"] = r.URL.RequestURI()
	if _, ok := params["HTTP_HOST"]; !ok && r.Host != "" {
		params["HTTP_HOST"] = r.Host
	}
	if in.pathInfo != "" {
		params["PATH_INFO"] = in.pathInfo
		params["PATH_TRANSLATED"] = in.pathTranslated
	} else {
		delete(params, "PATH_INFO")
		delete(params, "PATH_TRANSLATED")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		params["CONTENT_TYPE"] = ct
	}
	if user, _, ok := r.BasicAuth(); ok {
		params["REMOTE_USER"] = user
		params["AUTH_TYPE"] = "Basic"
	}
	delete(params, "HTTP_AUTHORIZATION")
	delete(params, "HTTP_PROXY")
	if r.TLS != nil {
		params["HTTPS"] = "on"
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := NewEnviron()
	for _, k := range keys {
		env.Set(k, params[k])
	}

	user, _ := env.Get("REMOTE_USER")
	env.Set("UNMAPPED_REMOTE_USER", user)
	if https, _ := env.Get("HTTPS"); strings.EqualFold(https, "on") {
		env.Set("SERVER_PORT_SECURE", "1")
	} else {
		env.Set("SERVER_PORT_SECURE", "0")
	}
	env.Set("URL", r.URL.Path)
	return env
}

// allHTTP renders the HTTP_ variables as KEY:VAL lines.
func allHTTP(env *Environ) string {
	var b strings.Builder
	env.Each(func(k, v string) {
		if strings.HasPrefix(k, "HTTP_") {
			b.WriteString(k)
			b.WriteByte(':')
			b.WriteString(v)
			b.WriteByte('\n')
		}
	})
	return b.String()
}

// allRaw renders the request headers as Key: Val lines, Host first and
// the rest sorted by key. Values keep their received order.
func allRaw(r *http.Request) string {
	var b strings.Builder
	if r.Host != "" {
		b.WriteString("Host: ")
		b.WriteString(r.Host)
		b.WriteByte('\n')
	}
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		if k != "Host" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
