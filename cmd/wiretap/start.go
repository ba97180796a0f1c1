package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/protocol"
	"github.com/grafana/xk6-channel/storage"
	"github.com/grafana/xk6-channel/transport"
)

// start relays the messages typed on in, one JSON message per line, to the
// endpoint at url and prints whatever comes back to out.
func start(ctx context.Context, url, record string, in io.Reader, out io.Writer, logger *log.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Infof("wiretap", "connecting to %q", url)
	ws, err := transport.Dial(ctx, url, logger)
	if err != nil {
		return err
	}
	rec := storage.NewRecorder(ws)
	defer func() {
		if errClose := rec.Close(); err == nil && errClose != nil && !errors.Is(errClose, transport.ErrClosed) {
			err = fmt.Errorf("closing connection: %w", errClose)
		}
		if errSave := save(rec, record); err == nil {
			err = errSave
		}
	}()
	logger.Infof("wiretap", "connected")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, err := rec.Recv()
			switch {
			case errors.Is(err, protocol.ErrMalformedMessage):
				logger.Warnf("wiretap", "<- %v", err)
				continue
			case errors.Is(err, transport.ErrClosed):
				return nil
			case err != nil:
				return fmt.Errorf("receiving: %w", err)
			}
			printMessage(out, "<-", msg)
		}
	})
	g.Go(func() error {
		lines := make(chan []byte)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				lines <- append([]byte(nil), sc.Bytes()...)
			}
		}()
		for {
			var line []byte
			select {
			case <-ctx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					// nothing more to send: hang up.
					return rec.Close()
				}
				line = bytes.TrimSpace(l)
			}
			if len(line) == 0 {
				continue
			}
			msg, err := protocol.Decode(line)
			if err != nil {
				logger.Warnf("wiretap", "-> %v", err)
				continue
			}
			printMessage(out, "->", msg)
			if err := rec.Send(msg); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
		}
	})
	go func() {
		<-ctx.Done()
		_ = rec.Close()
	}()

	return g.Wait()
}

func printMessage(out io.Writer, prefix string, msg *protocol.Message) {
	buf, err := protocol.Encode(msg)
	if err != nil {
		fmt.Fprintf(out, "%s %v\n", prefix, err)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf, "", "  "); err != nil {
		fmt.Fprintf(out, "%s %s\n", prefix, buf)
		return
	}
	fmt.Fprintf(out, "%s %s\n", prefix, pretty.Bytes())
}

func save(rec *storage.Recorder, path string) error {
	if path == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rec.Save(ctx, &storage.LocalFilePersister{}, path); err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}
	return nil
}

func replay(path string, out io.Writer) error {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := storage.ReadTranscript(f)
	if err != nil {
		return err
	}
	var first time.Time
	for i, e := range entries {
		if i == 0 {
			first = e.At
		}
		prefix := "->"
		if e.Direction == storage.Received {
			prefix = "<-"
		}
		fmt.Fprintf(out, "+%s ", e.At.Sub(first).Round(time.Millisecond))
		printMessage(out, prefix, e.Message)
	}
	return nil
}
