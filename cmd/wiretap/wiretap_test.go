package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/internal/demo"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/storage"
	"github.com/grafana/xk6-channel/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newDemoServer(t *testing.T) string {
	t.Helper()

	logger := log.NewNullLogger()
	srv := httptest.NewServer(transport.Handler(logger, func(ctx context.Context, tr transport.Transport) {
		_ = demo.NewServer(tr).Serve(ctx)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStartRelaysMessages(t *testing.T) {
	t.Parallel()

	url := newDemoServer(t)
	record := filepath.Join(t.TempDir(), "session.jsonl")
	in, stdin := io.Pipe()
	var out syncBuffer

	done := make(chan error, 1)
	go func() {
		done <- start(context.Background(), url, record, in, &out, log.NewNullLogger())
	}()

	_, err := io.WriteString(stdin, "not json\n"+`{"id":1,"guid":"","method":"initialize","params":{}}`+"\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"browser"`)
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, stdin.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}

	got := out.String()
	assert.Contains(t, got, "-> {\n  \"id\": 1,")
	assert.Contains(t, got, `<- {`)
	assert.Contains(t, got, `"method": "__create__"`)

	f, err := os.Open(record) //nolint:gosec
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	entries, err := storage.ReadTranscript(f)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, storage.Sent, entries[0].Direction)
	assert.Equal(t, "initialize", entries[0].Message.Method)
}

func TestDrive(t *testing.T) {
	t.Parallel()

	url := newDemoServer(t)
	record := filepath.Join(t.TempDir(), "drive.jsonl")

	err := drive(context.Background(), url, record, config.NewOptions(), log.NewNullLogger())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, replay(record, &out))
	assert.Contains(t, out.String(), `"method": "newPage"`)
	assert.Contains(t, out.String(), `"apiName": "page.goto"`)
	assert.True(t, strings.HasPrefix(out.String(), "+0s -> "), out.String())
}

func TestRunNeedsURL(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), flags{}, nil)
	assert.ErrorContains(t, err, "websocket URL")
}
