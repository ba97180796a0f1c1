// Package config holds the options shared by both ends of a channel connection.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-channel/env"
)

const (
	// DefaultMaxProtocolErrors is the number of consecutive malformed
	// messages a server connection tolerates.
	DefaultMaxProtocolErrors = 3

	// DefaultTracesProto is the default OTLP exporter protocol.
	DefaultTracesProto = "http"
)

// DefaultInternalPackages are the package prefixes that make up the client
// library. Stack frames in them are never reported as user code.
var DefaultInternalPackages = []string{ //nolint:gochecknoglobals
	"github.com/grafana/xk6-channel/client",
	"github.com/grafana/xk6-channel/stack",
	"github.com/grafana/xk6-channel/protocol",
	"github.com/grafana/xk6-channel/event",
}

// Options configure a client or server connection.
type Options struct {
	// CallTimeout applies to client calls whose context has no deadline.
	// Zero means calls wait until they settle.
	CallTimeout time.Duration
	// InternalPackages classify stack frames as library frames.
	InternalPackages []string
	// MaxProtocolErrors closes a server connection after that many
	// consecutive malformed messages. Zero disables the limit.
	MaxProtocolErrors int
	Debug             bool
	LogCategoryFilter string

	TracesEndpoint string
	TracesProto    string
	TracesInsecure bool
}

// envOptions are the raw values found in the environment. Unset values stay
// invalid so they don't override defaults.
type envOptions struct {
	callTimeout       null.String
	internalPackages  null.String
	maxProtocolErrors null.Int
	debug             null.Bool
	logCategoryFilter null.String
	tracesEndpoint    null.String
	tracesProto       null.String
	tracesInsecure    null.Bool
}

// NewOptions returns the default options.
func NewOptions() *Options {
	pkgs := make([]string, len(DefaultInternalPackages))
	copy(pkgs, DefaultInternalPackages)

	return &Options{
		InternalPackages:  pkgs,
		MaxProtocolErrors: DefaultMaxProtocolErrors,
		TracesProto:       DefaultTracesProto,
	}
}

// Parse overrides the options with the values found by lookup.
func (o *Options) Parse(lookup env.LookupFunc) error {
	eo, err := readEnv(lookup)
	if err != nil {
		return err
	}

	if eo.callTimeout.Valid {
		d, err := time.ParseDuration(eo.callTimeout.String)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.CallTimeout, err)
		}
		o.CallTimeout = d
	}
	if eo.internalPackages.Valid {
		// user packages come on top of the library itself.
		o.InternalPackages = append(o.InternalPackages, splitList(eo.internalPackages.String)...)
	}
	if eo.maxProtocolErrors.Valid {
		o.MaxProtocolErrors = int(eo.maxProtocolErrors.Int64)
	}
	if eo.debug.Valid {
		o.Debug = eo.debug.Bool
	}
	if eo.logCategoryFilter.Valid {
		o.LogCategoryFilter = eo.logCategoryFilter.String
	}
	if eo.tracesEndpoint.Valid {
		o.TracesEndpoint = eo.tracesEndpoint.String
	}
	if eo.tracesProto.Valid {
		o.TracesProto = eo.tracesProto.String
	}
	if eo.tracesInsecure.Valid {
		o.TracesInsecure = eo.tracesInsecure.Bool
	}

	return o.Validate()
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.CallTimeout < 0 {
		return fmt.Errorf("invalid call timeout %q: must not be negative", o.CallTimeout)
	}
	if o.MaxProtocolErrors < 0 {
		return fmt.Errorf("invalid max protocol errors %d: must not be negative", o.MaxProtocolErrors)
	}
	if len(o.InternalPackages) == 0 {
		return errors.New("at least one internal package is required")
	}
	if _, err := o.CategoryFilter(); err != nil {
		return err
	}
	return nil
}

// CategoryFilter compiles LogCategoryFilter. It returns nil when no filter is set.
func (o *Options) CategoryFilter() (*regexp.Regexp, error) {
	if o.LogCategoryFilter == "" {
		return nil, nil //nolint:nilnil
	}
	re, err := regexp.Compile(o.LogCategoryFilter)
	if err != nil {
		return nil, fmt.Errorf("compiling log category filter %q: %w", o.LogCategoryFilter, err)
	}
	return re, nil
}

func readEnv(lookup env.LookupFunc) (envOptions, error) {
	var eo envOptions

	str := func(key string) null.String {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return null.NewString(v, ok && v != "")
	}
	boolean := func(key string) (null.Bool, error) {
		s := str(key)
		if !s.Valid {
			return null.Bool{}, nil
		}
		b, err := strconv.ParseBool(s.String)
		if err != nil {
			return null.Bool{}, fmt.Errorf("parsing %s: %w", key, err)
		}
		return null.BoolFrom(b), nil
	}

	eo.callTimeout = str(env.CallTimeout)
	eo.internalPackages = str(env.InternalPackages)
	eo.logCategoryFilter = str(env.LogCategoryFilter)
	eo.tracesEndpoint = str(env.TracesEndpoint)
	eo.tracesProto = str(env.TracesProto)

	if s := str(env.MaxProtocolErrors); s.Valid {
		n, err := strconv.ParseInt(s.String, 10, 64)
		if err != nil {
			return eo, fmt.Errorf("parsing %s: %w", env.MaxProtocolErrors, err)
		}
		eo.maxProtocolErrors = null.IntFrom(n)
	}

	var err error
	if eo.debug, err = boolean(env.Debug); err != nil {
		return eo, err
	}
	if eo.tracesInsecure, err = boolean(env.TracesInsecure); err != nil {
		return eo, err
	}

	return eo, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
