package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	gootel "go.opentelemetry.io/otel"

	"github.com/grafana/xk6-channel/client"
	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/event"
	"github.com/grafana/xk6-channel/internal/demo"
	"github.com/grafana/xk6-channel/log"
	"github.com/grafana/xk6-channel/otel"
	"github.com/grafana/xk6-channel/storage"
	"github.com/grafana/xk6-channel/trace"
	"github.com/grafana/xk6-channel/transport"
)

// drive runs a short session against a demo server at url: it opens a page,
// navigates, reads the title and closes the browser.
func drive(ctx context.Context, url, record string, opts *config.Options, logger *log.Logger) (err error) {
	tp, err := otel.FromOptions(ctx, opts)
	if err != nil {
		return fmt.Errorf("creating trace provider: %w", err)
	}
	gootel.SetTracerProvider(tp)
	defer func() {
		if errShutdown := tp.Shutdown(context.Background()); err == nil && errShutdown != nil {
			err = fmt.Errorf("shutting down trace provider: %w", errShutdown)
		}
	}()

	ws, err := transport.Dial(ctx, url, logger)
	if err != nil {
		return err
	}
	rec := storage.NewRecorder(ws)
	defer func() {
		if errSave := save(rec, record); err == nil {
			err = errSave
		}
	}()

	copts := append(demo.ClientOptions(),
		client.WithLogger(logger),
		client.WithOptions(opts),
		client.WithTracer(trace.NewTracer(logger.Logger, tp, map[string]string{"session": url})),
	)
	conn := client.NewConnection(rec, demo.Schema(), copts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- conn.Run(ctx) }()
	defer func() {
		conn.Close(nil)
		if errRun := <-ran; err == nil && errRun != nil && !errors.Is(errRun, context.Canceled) {
			err = errRun
		}
	}()

	b, err := demo.Initialize(ctx, conn)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "browser %s\n", b.Version())

	p, err := b.NewPage(ctx, "")
	if err != nil {
		return err
	}
	p.On(demo.EventLoad, func(ev event.Event) {
		fmt.Fprintf(os.Stdout, "load %v\n", ev.Data)
	})
	if err := p.Goto(ctx, "https://example.com"); err != nil {
		return err
	}
	title, err := p.Title(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "title %q\n", title)

	return b.Close(ctx)
}
