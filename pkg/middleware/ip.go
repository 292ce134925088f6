// Package middleware provides the request processors that make up the
// dispatch pipeline. Every processor forwards non-request interactions
// unchanged.
package middleware

import (
	"context"
	"strings"

	"github.com/Suhaibinator/thor/pkg/common"
)

// IPSourceType defines the source for client IP addresses
type IPSourceType string

const (
	// IPSourceRemoteAddr uses the interaction's RemoteAddr field
	IPSourceRemoteAddr IPSourceType = "remote_addr"

	// IPSourceXForwardedFor uses the X-Forwarded-For header
	IPSourceXForwardedFor IPSourceType = "x_forwarded_for"

	// IPSourceXRealIP uses the X-Real-IP header
	IPSourceXRealIP IPSourceType = "x_real_ip"

	// IPSourceCustomHeader uses a custom header specified in the configuration
	IPSourceCustomHeader IPSourceType = "custom_header"
)

// IPConfig defines configuration for IP extraction
type IPConfig struct {
	// Source specifies where to extract the client IP from
	Source IPSourceType

	// CustomHeader is the name of the custom header to use when Source is IPSourceCustomHeader
	CustomHeader string

	// TrustProxy determines whether to trust proxy headers like X-Forwarded-For
	// If false, RemoteAddr will be used for all sources
	TrustProxy bool
}

// DefaultIPConfig returns the default IP configuration. Proxy headers are not
// trusted unless explicitly enabled.
func DefaultIPConfig() IPConfig {
	return IPConfig{Source: IPSourceRemoteAddr}
}

// clientIPKey is the key used to store the client IP in the context
type clientIPKey struct{}

// ClientIPFromContext returns the client IP stored by the ClientIP processor.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// ClientIP is a processor factory that resolves the client IP and stores it
// in the context.
func ClientIP(next common.Handler, config IPConfig) (common.Handler, error) {
	return common.RequestOnly(next, func(ctx context.Context, in *common.Interaction) (*common.Response, error) {
		ctx = context.WithValue(ctx, clientIPKey{}, extractClientIP(in, config))
		return next.Serve(ctx, in)
	}), nil
}

// clientKey returns the client IP from the context, falling back to the
// interaction's remote address.
func clientKey(ctx context.Context, in *common.Interaction) string {
	if ip := ClientIPFromContext(ctx); ip != "" {
		return ip
	}
	if in.RemoteAddr != "" {
		return cleanIP(in.RemoteAddr)
	}
	return "unknown"
}

// extractClientIP extracts the client IP based on the configuration
func extractClientIP(in *common.Interaction, config IPConfig) string {
	var ip string

	switch config.Source {
	case IPSourceXForwardedFor:
		ip = extractIPFromXForwardedFor(in)
	case IPSourceXRealIP:
		ip = in.GetHeader("X-Real-IP")
	case IPSourceCustomHeader:
		ip = in.GetHeader(config.CustomHeader)
	default:
		ip = in.RemoteAddr
	}

	// If we don't trust proxy headers or couldn't extract an IP, fall back to RemoteAddr
	if !config.TrustProxy || ip == "" {
		ip = in.RemoteAddr
	}

	return cleanIP(strings.TrimSpace(ip))
}

// extractIPFromXForwardedFor returns the leftmost (original client) address
// of the X-Forwarded-For header
func extractIPFromXForwardedFor(in *common.Interaction) string {
	xff := in.GetHeader("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// cleanIP removes the port from an IP address if present
func cleanIP(ip string) string {
	// IPv6 addresses with ports are formatted as [IPv6]:port
	if strings.HasPrefix(ip, "[") {
		if end := strings.LastIndex(ip, "]"); end > 0 {
			return ip[1:end]
		}
		return ip
	}

	// Bare IPv6 addresses contain several colons and no port
	if strings.Count(ip, ":") > 1 {
		return ip
	}

	if end := strings.LastIndex(ip, ":"); end > 0 {
		return ip[:end]
	}
	return ip
}
