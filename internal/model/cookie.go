package model

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Cookie is a session cookie captured from protocol responses.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Cookies is an ordered cookie jar deduplicated by name+domain+path.
type Cookies []Cookie

func (c Cookie) key() string {
	return c.Name + "\x00" + strings.ToLower(c.Domain) + "\x00" + c.Path
}

// Expired reports whether the cookie has a past expiry.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// Merge returns cs with incoming applied: an existing cookie with the same
// name+domain+path is replaced in place, new cookies are appended.
func (cs Cookies) Merge(incoming ...Cookie) Cookies {
	out := append(Cookies(nil), cs...)
	idx := make(map[string]int, len(out))
	for i, c := range out {
		idx[c.key()] = i
	}
	for _, c := range incoming {
		if i, ok := idx[c.key()]; ok {
			out[i] = c
			continue
		}
		idx[c.key()] = len(out)
		out = append(out, c)
	}
	return out
}

// FromHTTP converts response cookies, defaulting domain and path from the request URL.
func FromHTTP(u *url.URL, hc []*http.Cookie) Cookies {
	out := make(Cookies, 0, len(hc))
	for _, h := range hc {
		c := Cookie{
			Name:     h.Name,
			Value:    h.Value,
			Domain:   strings.TrimPrefix(h.Domain, "."),
			Path:     h.Path,
			Secure:   h.Secure,
			HTTPOnly: h.HttpOnly,
		}
		if c.Domain == "" && u != nil {
			c.Domain = u.Hostname()
		}
		if c.Path == "" {
			c.Path = "/"
		}
		switch {
		case h.MaxAge > 0:
			c.Expires = time.Now().Add(time.Duration(h.MaxAge) * time.Second)
		case h.MaxAge < 0:
			c.Expires = time.Unix(0, 0)
		case !h.Expires.IsZero():
			c.Expires = h.Expires
		}
		out = append(out, c)
	}
	return out
}

// Header builds the Cookie header value for u. Returns "" if nothing matches.
func (cs Cookies) Header(u *url.URL, now time.Time) string {
	if u == nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	path := u.Path
	if path == "" {
		path = "/"
	}
	var parts []string
	for _, c := range cs {
		if c.Expired(now) {
			continue
		}
		if c.Secure && u.Scheme != "https" {
			continue
		}
		if !domainMatch(host, strings.ToLower(c.Domain)) || !pathMatch(path, c.Path) {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func domainMatch(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) || strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}
