// Package env contains the environment variables the channel layer reads.
package env

import "os"

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// Lookup is the default LookupFunc backed by the process environment.
func Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// EmptyLookup is a LookupFunc that finds nothing.
func EmptyLookup(string) (string, bool) { return "", false }

// ConstLookup returns a LookupFunc that always returns the given value and
// true if the key matches the given key.
func ConstLookup(k, v string) LookupFunc {
	return func(key string) (string, bool) {
		if key == k {
			return v, true
		}
		return "", false
	}
}

// MapLookup returns a LookupFunc backed by the given map.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

const (
	// CallTimeout bounds a client call when its context has no deadline.
	// Accepts a Go duration string.
	CallTimeout = "XK6_CHANNEL_CALL_TIMEOUT"

	// InternalPackages is a comma separated list of package path prefixes
	// whose stack frames belong to the client library.
	InternalPackages = "XK6_CHANNEL_INTERNAL_PACKAGES"

	// MaxProtocolErrors is the number of consecutive malformed messages
	// after which a server connection is closed.
	MaxProtocolErrors = "XK6_CHANNEL_MAX_PROTOCOL_ERRORS"

	// Debug enables debug logging regardless of the logger level.
	Debug = "XK6_CHANNEL_DEBUG"

	// LogCategoryFilter is a regexp matched against log categories.
	LogCategoryFilter = "XK6_CHANNEL_LOG_CATEGORY_FILTER"

	// TracesEndpoint is the OTLP endpoint traces are exported to.
	TracesEndpoint = "XK6_CHANNEL_TRACES_ENDPOINT"

	// TracesProto is the OTLP exporter protocol. Only "http" is supported.
	TracesProto = "XK6_CHANNEL_TRACES_PROTO"

	// TracesInsecure disables TLS for the OTLP exporter.
	TracesInsecure = "XK6_CHANNEL_TRACES_INSECURE"
)
