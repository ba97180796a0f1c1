// Package stack captures call-site metadata for outgoing channel calls.
//
// A call enters the client library through some exported method, travels
// through internal frames and finally reaches the connection. The frames the
// user cares about are the ones right outside the library. Capture walks the
// goroutine stack innermost first and finds the deepest transition from a
// library frame to a user frame: that library frame names the API, the frames
// after it are the user's stack.
package stack

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// maxFrames is the number of program counters inspected per capture.
const maxFrames = 64

// Frame is a single stack frame. Go does not report columns, so Column is
// zero for captured frames. It is kept for frames that come from the wire.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Function string `json:"function,omitempty"`
}

// String renders the frame the way stack traces print it.
func (f Frame) String() string {
	loc := fmt.Sprintf("%s:%d", f.File, f.Line)
	if f.Column > 0 {
		loc = fmt.Sprintf("%s:%d", loc, f.Column)
	}
	if f.Function == "" {
		return loc
	}
	return fmt.Sprintf("%s (%s)", f.Function, loc)
}

// CallMetadata is captured once per call and never modified afterwards.
type CallMetadata struct {
	// APIName is the user facing name of the library method, e.g. "page.goto".
	APIName string
	// Frames are the user frames, innermost first.
	Frames []Frame
	// Boundary is the library frame the user code called into.
	Boundary *Frame
	// Internal is set for calls that the library makes on its own behalf.
	Internal bool
	// WallTime is when the call was made.
	WallTime time.Time
}

// Location returns the file:line of the innermost user frame.
func (m *CallMetadata) Location() string {
	if m == nil || len(m.Frames) == 0 {
		return "<unknown>"
	}
	f := m.Frames[0]
	return fmt.Sprintf("%s:%d", f.File, f.Line)
}

// String renders the metadata as "apiName at file:line".
func (m *CallMetadata) String() string {
	if m == nil {
		return "<unknown>"
	}
	name := m.APIName
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("%s at %s", name, m.Location())
}

// Classifier tells library frames from user frames using an allow-list of
// package path prefixes.
type Classifier struct {
	prefixes []string
}

// NewClassifier returns a Classifier treating the given package paths, and
// the packages nested under them, as library code.
func NewClassifier(prefixes ...string) *Classifier {
	ps := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSuffix(strings.TrimSpace(p), "/"); p != "" {
			ps = append(ps, p)
		}
	}
	return &Classifier{prefixes: ps}
}

// IsInternal reports whether the fully qualified function name belongs to a
// library package.
func (c *Classifier) IsInternal(function string) bool {
	pkg := PackagePath(function)
	if pkg == "" {
		return false
	}
	for _, p := range c.prefixes {
		if pkg == p || strings.HasPrefix(pkg, p+"/") {
			return true
		}
	}
	return false
}

type classifiedFrame struct {
	frame    Frame
	internal bool
}

// Capture snapshots the calling goroutine's stack. skip is the number of
// frames to skip above the caller of Capture.
func (c *Classifier) Capture(skip int) *CallMetadata {
	pcs := make([]uintptr, maxFrames)
	// +2 skips runtime.Callers and Capture itself.
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var parsed []classifiedFrame
	for {
		f, more := frames.Next()
		if f.Function != "runtime.goexit" && f.Function != "" {
			parsed = append(parsed, classifiedFrame{
				frame: Frame{
					File:     f.File,
					Line:     f.Line,
					Function: f.Function,
				},
				internal: c.IsInternal(f.Function),
			})
		}
		if !more {
			break
		}
	}

	return c.metadataFrom(parsed)
}

func (c *Classifier) metadataFrom(parsed []classifiedFrame) *CallMetadata {
	md := &CallMetadata{WallTime: time.Now()}

	// Deepest transition between user code calling into the library is the
	// API entry. Without one, the call came from inside the library.
	for i := 0; i < len(parsed)-1; i++ {
		if parsed[i].internal && !parsed[i+1].internal {
			boundary := parsed[i].frame
			md.Boundary = &boundary
			md.APIName = APIName(boundary.Function)
			parsed = parsed[i+1:]
			break
		}
	}
	if md.Boundary == nil && len(parsed) > 0 && parsed[0].internal {
		md.Internal = true
	}

	for _, p := range parsed {
		if !p.internal {
			md.Frames = append(md.Frames, p.frame)
		}
	}
	return md
}

// PackagePath returns the import path of a fully qualified Go function
// name, e.g. "github.com/a/b/client" for "github.com/a/b/client.(*Page).Goto".
func PackagePath(function string) string {
	slash := strings.LastIndex(function, "/")
	rest := function[slash+1:]
	dot := strings.Index(rest, ".")
	if dot < 0 {
		return ""
	}
	return function[:slash+1+dot]
}

// APIName turns a fully qualified Go function name into a method-style API
// name: "github.com/a/client.(*BrowserContext).NewPage" becomes
// "browserContext.newPage".
func APIName(function string) string {
	if function == "" {
		return ""
	}
	name := function
	if pkg := PackagePath(function); pkg != "" {
		name = function[len(pkg)+1:]
	}

	// type parameters are reported as "[...]".
	name = strings.ReplaceAll(name, "[...]", "")

	var segments []string
	for _, seg := range strings.Split(name, ".") {
		seg = strings.TrimPrefix(seg, "(*")
		seg = strings.TrimPrefix(seg, "(")
		seg = strings.TrimSuffix(seg, ")")
		if isClosureSegment(seg) {
			break
		}
		if seg == "" {
			continue
		}
		segments = append(segments, lowerFirst(seg))
	}
	return strings.Join(segments, ".")
}

// isClosureSegment matches the compiler's names for anonymous functions:
// func1, func2, and the plain numbers of nested closures.
func isClosureSegment(seg string) bool {
	if strings.HasPrefix(seg, "func") && len(seg) > 4 && isDigits(seg[4:]) {
		return true
	}
	return isDigits(seg)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	// keep acronyms readable: "CDPSession" -> "cdpSession", "URL" -> "url".
	runes := []rune(s)
	upper := 0
	for upper < len(runes) && runes[upper] >= 'A' && runes[upper] <= 'Z' {
		upper++
	}
	if upper == 0 {
		return s
	}
	if upper > 1 && upper < len(runes) {
		// the last upper case rune starts the next word.
		upper--
	}
	return strings.ToLower(string(runes[:upper])) + string(runes[upper:])
}

// ShortFile strips the directories of a frame's file.
func ShortFile(f Frame) string {
	return filepath.Base(f.File)
}

type ctxKey int

const ctxKeyMetadata ctxKey = iota

// WithMetadata returns a context carrying md. Calls made with it reuse md
// instead of capturing their own, so calls the library makes while serving
// one user call are attributed to that call.
func WithMetadata(ctx context.Context, md *CallMetadata) context.Context {
	return context.WithValue(ctx, ctxKeyMetadata, md)
}

// FromContext returns the metadata stored by WithMetadata, if any.
func FromContext(ctx context.Context) (*CallMetadata, bool) {
	md, ok := ctx.Value(ctxKeyMetadata).(*CallMetadata)
	return md, ok && md != nil
}
