package client

import (
	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/stack"
	"github.com/grafana/xk6-channel/trace"
)

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for call, event and object spans.
func WithTracer(tracer *trace.Tracer) Option {
	return func(c *Connection) {
		c.tracer = tracer
	}
}

// WithClassifier sets the classifier used to capture call sites. It
// overrides the internal packages of the options.
func WithClassifier(classifier *stack.Classifier) Option {
	return func(c *Connection) {
		c.classifier = classifier
	}
}

// WithFactory wraps every object of type typ with f.
func WithFactory(typ string, f Factory) Option {
	return func(c *Connection) {
		c.factories[typ] = f
	}
}

// WithOptions sets the connection options.
func WithOptions(opts *config.Options) Option {
	return func(c *Connection) {
		c.opts = opts
	}
}
