package sitefeed

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// ExecutionContext tells whether a call may reach internal services directly
// or has to go through the public same-origin proxy.
type ExecutionContext int8

const (
	// Direct calls run on trusted infrastructure and use the internal origin
	Direct ExecutionContext = iota
	// Mediated calls act for an untrusted client and go through the proxy prefix
	Mediated
)

func (ec ExecutionContext) String() string {
	if ec == Mediated {
		return "mediated"
	}
	return "direct"
}

type execContextKey struct{}

// WithExecutionContext marks ctx as running in ec
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// DetectExecutionContext reports the execution context of the call carrying ctx.
// It is evaluated on every call: one process serves both kinds of callers.
func DetectExecutionContext(ctx context.Context) ExecutionContext {
	if ec, ok := ctx.Value(execContextKey{}).(ExecutionContext); ok {
		return ec
	}
	return Direct
}

// Endpoints rewrites logical upstream paths for the current execution context
type Endpoints struct {
	InternalOrigin string // e.g. http://content.internal:8080
	PublicOrigin   string // origin the proxy is mounted on; empty yields a relative URL
	ProxyPrefix    string // e.g. "site", giving /api/site/<path>
}

// Validate checks that the origins parse and that direct calls have somewhere to go
func (e Endpoints) Validate() error {
	if e.InternalOrigin == "" {
		return errors.New("internal origin is required")
	}
	for _, origin := range []string{e.InternalOrigin, e.PublicOrigin} {
		if origin == "" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil {
			return errors.Wrapf(err, "invalid origin: %s", origin)
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.Errorf("origin must be absolute: %s", origin)
		}
	}
	if strings.Trim(e.ProxyPrefix, "/") == "" {
		return errors.New("proxy prefix is required")
	}
	return nil
}

// Build returns the URL for logicalPath (e.g. "site-settings").
// Direct: <InternalOrigin>/api/<path>. Mediated: <PublicOrigin>/api/<ProxyPrefix>/<path>,
// so the internal origin never leaks to mediated callers.
func (e Endpoints) Build(ec ExecutionContext, logicalPath string, query url.Values) string {
	p := strings.Trim(logicalPath, "/")

	var b strings.Builder
	if ec == Mediated {
		b.WriteString(strings.TrimRight(e.PublicOrigin, "/"))
		b.WriteString("/api/")
		b.WriteString(strings.Trim(e.ProxyPrefix, "/"))
		b.WriteString("/")
	} else {
		b.WriteString(strings.TrimRight(e.InternalOrigin, "/"))
		b.WriteString("/api/")
	}
	b.WriteString(p)

	if len(query) > 0 {
		b.WriteString("?")
		b.WriteString(query.Encode())
	}
	return b.String()
}
