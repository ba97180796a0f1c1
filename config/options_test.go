package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/env"
)

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts := NewOptions()
	require.NoError(t, opts.Validate())
	assert.Equal(t, DefaultInternalPackages, opts.InternalPackages)
	assert.Equal(t, DefaultMaxProtocolErrors, opts.MaxProtocolErrors)
	assert.Zero(t, opts.CallTimeout)

	re, err := opts.CategoryFilter()
	require.NoError(t, err)
	assert.Nil(t, re)
}

func TestOptionsParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		env    map[string]string
		assert func(t *testing.T, opts *Options, err error)
	}{
		{
			name: "empty",
			env:  map[string]string{},
			assert: func(t *testing.T, opts *Options, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Equal(t, NewOptions(), opts)
			},
		},
		{
			name: "all_set",
			env: map[string]string{
				env.CallTimeout:       "1500ms",
				env.InternalPackages:  "example.com/sdk, example.com/sdk2 ,",
				env.MaxProtocolErrors: "7",
				env.Debug:             "true",
				env.LogCategoryFilter: "^Connection",
				env.TracesEndpoint:    "localhost:4318",
				env.TracesInsecure:    "1",
			},
			assert: func(t *testing.T, opts *Options, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Equal(t, 1500*time.Millisecond, opts.CallTimeout)
				assert.Contains(t, opts.InternalPackages, "example.com/sdk")
				assert.Contains(t, opts.InternalPackages, "example.com/sdk2")
				assert.Contains(t, opts.InternalPackages, DefaultInternalPackages[0])
				assert.Equal(t, 7, opts.MaxProtocolErrors)
				assert.True(t, opts.Debug)
				assert.True(t, opts.TracesInsecure)
				assert.Equal(t, "localhost:4318", opts.TracesEndpoint)
				assert.Equal(t, DefaultTracesProto, opts.TracesProto)
			},
		},
		{
			name: "zero_max_protocol_errors",
			env:  map[string]string{env.MaxProtocolErrors: "0"},
			assert: func(t *testing.T, opts *Options, err error) {
				t.Helper()
				require.NoError(t, err)
				assert.Zero(t, opts.MaxProtocolErrors)
			},
		},
		{
			name: "bad_duration",
			env:  map[string]string{env.CallTimeout: "soon"},
			assert: func(t *testing.T, _ *Options, err error) {
				t.Helper()
				require.ErrorContains(t, err, env.CallTimeout)
			},
		},
		{
			name: "negative_duration",
			env:  map[string]string{env.CallTimeout: "-1s"},
			assert: func(t *testing.T, _ *Options, err error) {
				t.Helper()
				require.ErrorContains(t, err, "must not be negative")
			},
		},
		{
			name: "bad_bool",
			env:  map[string]string{env.Debug: "maybe"},
			assert: func(t *testing.T, _ *Options, err error) {
				t.Helper()
				require.ErrorContains(t, err, env.Debug)
			},
		},
		{
			name: "bad_filter",
			env:  map[string]string{env.LogCategoryFilter: "("},
			assert: func(t *testing.T, _ *Options, err error) {
				t.Helper()
				require.ErrorContains(t, err, "compiling log category filter")
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := NewOptions()
			err := opts.Parse(env.MapLookup(tt.env))
			tt.assert(t, opts, err)
		})
	}
}
