// Copyright 2024-2026 Aiku AI

package rest

import (
	"net/url"
	"strings"
)

// Route is one compiled API call target.
type Route struct {
	Method   string
	Template string
	Path     string
	Query    url.Values
	// Major is the top-level resource id that scopes the route's bucket.
	Major string
	// BucketKey identifies the route until the server reports its bucket.
	BucketKey string
}

var majorPrefixes = []string{"/channels/{", "/guilds/{", "/webhooks/{"}

// NewRoute fills the {placeholders} of template with params in order.
func NewRoute(method, template string, params ...string) Route {
	var path strings.Builder
	rest := template
	i := 0
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			path.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			path.WriteString(rest)
			break
		}
		path.WriteString(rest[:start])
		if i < len(params) {
			path.WriteString(url.PathEscape(params[i]))
		}
		i++
		rest = rest[start+end+1:]
	}

	major := ""
	for _, prefix := range majorPrefixes {
		if strings.HasPrefix(template, prefix) && len(params) > 0 {
			major = params[0]
			break
		}
	}
	return Route{
		Method:    method,
		Template:  template,
		Path:      path.String(),
		Major:     major,
		BucketKey: method + " " + template + ":" + major,
	}
}

// WithQuery returns a copy of the route carrying query parameters.
func (r Route) WithQuery(query url.Values) Route {
	r.Query = query
	return r
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

// URL returns the request URL relative to base.
func (r Route) URL(base string) string {
	u := strings.TrimRight(base, "/") + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	return u
}
