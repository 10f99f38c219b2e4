package server

import (
	"net/http"
	"strings"
)

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
	// statusCacheControl keeps proxies and browsers from replaying a live
	// status answer after the session it describes has ended.
	statusCacheControl = "no-store"
)

// SecurityConfig sets the hardening headers. Empty fields use the defaults.
// MediaSources lists media server origins the viewer page may load streams
// from; they are added to the connect-src and media-src directives.
type SecurityConfig struct {
	ContentSecurityPolicy string
	MediaSources          []string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

type headerValue struct {
	name  string
	value string
}

// headers resolves the config into the fixed header set written on every
// response.
func (cfg SecurityConfig) headers() []headerValue {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultContentSecurityPolicy(firstSet(cfg.FrameAncestors, defaultFrameAncestors), cfg.MediaSources)
	}
	return []headerValue{
		{"Content-Security-Policy", csp},
		{"X-Frame-Options", firstSet(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", firstSet(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", firstSet(cfg.ReferrerPolicy, defaultReferrerPolicy)},
		{"Permissions-Policy", firstSet(cfg.PermissionsPolicy, defaultPermissionsPolicy)},
	}
}

func firstSet(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultContentSecurityPolicy(frameAncestors string, mediaSources []string) string {
	media := append([]string{"'self'", "blob:"}, mediaSources...)
	directives := [][2]string{
		{"default-src", "'self'"},
		{"connect-src", strings.Join(media, " ")},
		{"media-src", strings.Join(media, " ")},
		{"img-src", "'self' data:"},
		{"script-src", "'self'"},
		{"style-src", "'self'"},
		{"font-src", "'self'"},
		{"object-src", "'none'"},
		{"base-uri", "'self'"},
		{"frame-ancestors", firstSet(frameAncestors, defaultFrameAncestors)},
		{"form-action", "'self'"},
	}
	parts := make([]string, len(directives))
	for i, d := range directives {
		parts[i] = d[0] + " " + d[1]
	}
	return strings.Join(parts, "; ")
}

// securityHeadersMiddleware writes the hardening headers, and marks API
// responses uncacheable since every status answer is computed per request.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.headers()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, header := range headers {
			h.Set(header.name, header.value)
		}
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/readyz" {
			h.Set("Cache-Control", statusCacheControl)
		}
		next.ServeHTTP(w, r)
	})
}
