// Command wiretap talks to channel endpoints by hand. It can tap into a
// websocket endpoint and relay messages typed on stdin, drive the demo
// object model as a client, serve the demo object model, and print recorded
// transcripts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/grafana/xk6-channel/config"
	"github.com/grafana/xk6-channel/env"
	"github.com/grafana/xk6-channel/log"
)

type flags struct {
	serve  string
	record string
	replay string
	demo   bool
	debug  bool
}

func main() {
	var f flags
	fs := pflag.NewFlagSet("wiretap", pflag.ExitOnError)
	fs.StringVar(&f.serve, "serve", "", "serve the demo object model on `addr`")
	fs.StringVar(&f.record, "record", "", "record the transcript of the session to `path`")
	fs.StringVar(&f.replay, "replay", "", "print the transcript recorded at `path` and exit")
	fs.BoolVar(&f.demo, "demo", false, "drive the demo object model instead of relaying stdin")
	fs.BoolVarP(&f.debug, "debug", "d", false, "log protocol traffic")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: wiretap [flags] [websocket URL]\n\n%s", fs.FlagUsages())
	}
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func run(ctx context.Context, f flags, args []string) error {
	opts := config.NewOptions()
	if err := opts.Parse(env.Lookup); err != nil {
		return fmt.Errorf("reading options: %w", err)
	}
	if f.debug {
		opts.Debug = true
	}
	logger, err := newLogger(opts)
	if err != nil {
		return err
	}

	switch {
	case f.replay != "":
		return replay(f.replay, os.Stdout)
	case f.serve != "":
		return serve(ctx, f.serve, opts, logger)
	case len(args) < 1:
		return fmt.Errorf("provide the websocket URL")
	case f.demo:
		return drive(ctx, args[0], f.record, opts, logger)
	}
	return start(ctx, args[0], f.record, os.Stdin, os.Stdout, logger)
}

func newLogger(opts *config.Options) (*log.Logger, error) {
	filter, err := opts.CategoryFilter()
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return log.New(l, opts.Debug, filter), nil
}
