package server

import (
	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/log"
)

// Option configures a DispatcherConnection.
type Option func(*DispatcherConnection)

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *DispatcherConnection) {
		c.logger = logger
	}
}

// WithMetrics sets the instruments the connection reports to.
func WithMetrics(m *Metrics) Option {
	return func(c *DispatcherConnection) {
		c.metrics = m
	}
}

// WithOptions sets the connection options.
func WithOptions(opts *config.Options) Option {
	return func(c *DispatcherConnection) {
		c.opts = opts
	}
}
