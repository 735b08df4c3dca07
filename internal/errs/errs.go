// Package errs models the error-kind taxonomy the dev server reports to
// clients and logs: resolution failures, optimizer failures, outdated
// requests, and config errors each need different handling at the call
// site, so they are distinguished by type rather than by matching error
// strings.
package errs

import "fmt"

// Kind distinguishes the error taxonomy: each kind drives a different
// recovery path in the server and HMR engine.
type Kind int

const (
	KindResolution Kind = iota
	KindParse
	KindOptimizer
	KindOutdatedRequest
	KindConfig
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindParse:
		return "parse"
	case KindOptimizer:
		return "optimizer"
	case KindOutdatedRequest:
		return "outdated-request"
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Frame is a code-frame location attached to a resolution error so the
// client can render an overlay with file/pos context.
type Frame struct {
	File string
	Line int
	Col  int
	Text string // a few lines of source surrounding Line, or empty
}

// Error is the error type returned by resolver, transform, and optimizer
// components. Importer is set for resolution failures so the message can
// name the file that attempted the bad import.
type Error struct {
	Kind     Kind
	Message  string
	Importer string
	Frame    *Frame
	Hint     string // e.g. "did you mean to use the .jsx extension?"
	Err      error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Importer != "" {
		msg = fmt.Sprintf("%s (imported from %s)", msg, e.Importer)
	}
	if e.Hint != "" {
		msg = fmt.Sprintf("%s\nhint: %s", msg, e.Hint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Resolution builds a resolution-failure error naming the importer, so the
// caller can surface it as a transform error with file/pos context.
func Resolution(specifier, importer string) *Error {
	return &Error{
		Kind:     KindResolution,
		Message:  fmt.Sprintf("failed to resolve import %q", specifier),
		Importer: importer,
	}
}

// Optimizer wraps a dependency pre-bundling failure: the underlying
// bundler's diagnostics are preserved as the wrapped cause so the log line
// carries both the summary and esbuild's own message.
func Optimizer(err error) *Error {
	return &Error{Kind: KindOptimizer, Message: "dependency optimization failed", Err: err}
}

// OutdatedRequest signals a request whose version query no longer matches
// the dependency optimizer's current browser hash: the caller responds 504
// so the client reloads instead of evaluating a module from a superseded
// bundle generation.
func OutdatedRequest(id string) *Error {
	return &Error{Kind: KindOutdatedRequest, Message: fmt.Sprintf("outdated request for %q", id)}
}

// Config wraps a config-load failure; callers decide fatal-at-startup vs
// log-and-continue-at-runtime.
func Config(err error) *Error {
	return &Error{Kind: KindConfig, Message: "config error", Err: err}
}
