package server

import (
	"net/url"
	"strings"
)

type builtinOrigin struct {
	scheme  string
	host    string // empty matches any host
	portAny bool
}

// Extension pages connect with their extension origin; local tooling uses
// loopback.
var builtinOrigins = []builtinOrigin{
	{scheme: "chrome-extension"},
	{scheme: "moz-extension"},
	{scheme: "http", host: "localhost", portAny: true},
	{scheme: "http", host: "127.0.0.1", portAny: true},
}

func parseOrigin(origin string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil
	}
	return u
}

func isBuiltinOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	hostname := u.Hostname()
	port := u.Port()
	for _, b := range builtinOrigins {
		if u.Scheme != b.scheme {
			continue
		}
		if b.host == "" {
			if hostname != "" {
				return true
			}
			continue
		}
		if hostname != b.host {
			continue
		}
		if !b.portAny && port != "" {
			continue
		}
		return true
	}
	return false
}

// AllowOrigins returns an origin check accepting builtin origins and the
// exact origins listed.
func AllowOrigins(allowed []string) func(string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			set[o] = struct{}{}
		}
	}
	return func(origin string) bool {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			return false
		}
		u := parseOrigin(origin)
		if u == nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		if isBuiltinOrigin(u) {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}
