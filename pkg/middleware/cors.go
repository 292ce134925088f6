package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/Suhaibinator/thor/pkg/common"
)

// ErrCredentialsWithWildcard is returned when credentials are allowed for
// every origin, which browsers reject.
var ErrCredentialsWithWildcard = errors.New("middleware: CORS credentials cannot be combined with a wildcard origin")

// CORSConfig configures CORS. Zero values select the defaults noted on each field.
type CORSConfig struct {
	AllowOrigins     []string // Exact origins, "*.example.com" wildcards, or "*" (default)
	AllowOriginRegex string   // Full-match pattern checked after AllowOrigins
	AllowMethods     []string // Default GET, POST, PUT, DELETE, OPTIONS, PATCH
	AllowHeaders     []string // Default "*"
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int // Preflight cache lifetime in seconds; default 600
}

type corsPolicy struct {
	origins  []string
	suffixes []string
	regex    *regexp.Regexp
	allowAll bool
	cfg      CORSConfig
	methods  string
	headers  string
	exposed  string
	maxAge   string
}

// CORS is a processor factory that answers preflight requests and decorates
// every other response with the Access-Control headers for allowed origins.
func CORS(next common.Handler, cfg CORSConfig) (common.Handler, error) {
	p, err := newCORSPolicy(cfg)
	if err != nil {
		return nil, err
	}

	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		origin := in.GetHeader("Origin")

		if in.Method == http.MethodOptions {
			resp := common.NoContent()
			p.apply(resp.Header, origin)
			resp.Header.Set("Access-Control-Allow-Methods", p.methods)
			resp.Header.Set("Access-Control-Allow-Headers", p.headers)
			resp.Header.Set("Access-Control-Max-Age", p.maxAge)
			return resp, nil
		}

		resp, err := next.Serve(ctx, in)
		if err != nil {
			if httpErr, ok := common.AsHTTPError(err); ok {
				if httpErr.Header == nil {
					httpErr.Header = make(http.Header)
				}
				p.apply(httpErr.Header, origin)
			}
			return nil, err
		}
		if resp == nil {
			resp = common.NoContent()
		}
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		p.apply(resp.Header, origin)
		return resp, nil
	}), nil
}

func newCORSPolicy(cfg CORSConfig) (*corsPolicy, error) {
	if cfg.AllowOrigins == nil {
		cfg.AllowOrigins = []string{"*"}
	}
	if len(cfg.AllowMethods) == 0 {
		cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}
	}
	if len(cfg.AllowHeaders) == 0 {
		cfg.AllowHeaders = []string{"*"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 600
	}

	p := &corsPolicy{
		cfg:     cfg,
		methods: strings.Join(cfg.AllowMethods, ", "),
		headers: strings.Join(cfg.AllowHeaders, ", "),
		exposed: strings.Join(cfg.ExposeHeaders, ", "),
		maxAge:  strconv.Itoa(cfg.MaxAge),
	}
	for _, o := range cfg.AllowOrigins {
		if strings.HasPrefix(o, "*.") && len(o) > 2 {
			p.suffixes = append(p.suffixes, o[1:])
		} else {
			p.origins = append(p.origins, o)
		}
	}
	p.allowAll = slices.Contains(cfg.AllowOrigins, "*")

	if cfg.AllowOriginRegex != "" {
		re, err := regexp.Compile("^(?:" + cfg.AllowOriginRegex + ")$")
		if err != nil {
			return nil, fmt.Errorf("middleware: invalid CORS origin pattern: %w", err)
		}
		p.regex = re
	}
	if cfg.AllowCredentials && p.allowAll && p.regex == nil {
		return nil, ErrCredentialsWithWildcard
	}
	return p, nil
}

func (p *corsPolicy) allowed(origin string) bool {
	if p.allowAll || slices.Contains(p.origins, origin) {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return p.regex != nil && p.regex.MatchString(origin)
}

func (p *corsPolicy) apply(h http.Header, origin string) {
	switch {
	case p.allowAll && !p.cfg.AllowCredentials:
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && p.allowed(origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if p.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.exposed != "" {
		h.Set("Access-Control-Expose-Headers", p.exposed)
	}
}
