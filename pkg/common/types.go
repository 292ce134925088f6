// Package common provides shared types and utilities used across the thor framework.
package common

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Suhaibinator/thor/pkg/matcher"
)

// Kind classifies an inbound interaction.
type Kind int

const (
	// KindRequest is an ordinary HTTP-like request.
	KindRequest Kind = iota
	// KindLifecycle is a startup or shutdown signal from the driver.
	KindLifecycle
	// KindStream is a bidirectional message stream (e.g. a websocket).
	KindStream
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindLifecycle:
		return "lifecycle"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Phase is the lifecycle phase carried by a lifecycle interaction.
type Phase string

const (
	PhaseStartup  Phase = "startup"
	PhaseShutdown Phase = "shutdown"
)

// Interaction describes one inbound unit of work handed to the dispatcher.
// Request fields are meaningful for KindRequest and KindStream; Phase is set
// for KindLifecycle.
type Interaction struct {
	Kind       Kind           // Interaction kind
	Method     string         // Upper-case request method
	Path       string         // Request path without the query string
	RawQuery   string         // Encoded query values, without '?'
	Header     http.Header    // Request headers
	RemoteAddr string         // Network address of the client, if known
	Body       io.Reader      // Request body, nil when there is none
	Phase      Phase          // Lifecycle phase for KindLifecycle
	Conn       Conn           // Channel to the driver, set for streams and lifecycle signals
	State      *State         // Application-wide state store
	Params     matcher.Params // Path parameters bound by the router
	Route      string         // Template of the matched route
}

// NewRequest builds a request interaction for the given method and target,
// in the manner of httptest.NewRequest. The target may carry a query string.
func NewRequest(method, target string, body io.Reader) *Interaction {
	in := &Interaction{
		Kind:   KindRequest,
		Method: strings.ToUpper(method),
		Header: make(http.Header),
		Body:   body,
	}
	if u, err := url.Parse(target); err == nil {
		in.Path = u.Path
		in.RawQuery = u.RawQuery
	} else {
		in.Path = target
	}
	return in
}

// IsRequest reports whether the interaction is an ordinary request.
func (in *Interaction) IsRequest() bool { return in.Kind == KindRequest }

// Query parses RawQuery. Malformed pairs are dropped.
func (in *Interaction) Query() url.Values {
	v, _ := url.ParseQuery(in.RawQuery)
	return v
}

// Param returns a bound path parameter, or nil.
func (in *Interaction) Param(name string) any {
	return in.Params.ByName(name)
}

// GetHeader returns the first value of the named header.
func (in *Interaction) GetHeader(name string) string {
	if in.Header == nil {
		return ""
	}
	return in.Header.Get(name)
}

// Cookie returns the named cookie sent with the request.
func (in *Interaction) Cookie(name string) (*http.Cookie, error) {
	req := http.Request{Header: in.Header}
	return req.Cookie(name)
}

// ReadBody reads the remaining body. A missing body yields nil.
func (in *Interaction) ReadBody() ([]byte, error) {
	if in.Body == nil {
		return nil, nil
	}
	return io.ReadAll(in.Body)
}

// Handler processes an interaction and produces a response.
type Handler interface {
	Serve(ctx context.Context, in *Interaction) (*Response, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, in *Interaction) (*Response, error)

// Serve calls f(ctx, in).
func (f HandlerFunc) Serve(ctx context.Context, in *Interaction) (*Response, error) {
	return f(ctx, in)
}

// Middleware is a function that wraps a Handler.
// It allows for pre-processing and post-processing of interactions.
// Middleware can be chained together to create a pipeline of request processing.
type Middleware func(Handler) Handler
