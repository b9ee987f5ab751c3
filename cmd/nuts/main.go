// Command nuts is a line-oriented NATS client. It runs one command at a time;
// Ctrl-C stops the running subscription or watch and returns to the prompt.
//
//	nuts                         interactive prompt
//	nuts pub greet hello         run a single command and exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lightforgemedia/go-nuts/pkg/blocking"
	"github.com/lightforgemedia/go-nuts/pkg/client"
	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/signals"
	"github.com/mattn/go-isatty"
)

const prompt = "nuts> "

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func realMain(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nuts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	debug := fs.Bool("debug", false, "log at debug level")
	profile := fs.String("profile", "", "connection profile file (default: user config dir)")
	forceColor := fs.Bool("color", false, "always color output")
	noColor := fs.Bool("no-color", false, "never color output")
	bufferLimit := fs.Int("buffer", 0, "max buffered items per stream, 0 for unbounded")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	profilePath := *profile
	if profilePath == "" {
		if p, err := config.DefaultPath(); err == nil {
			profilePath = p
		}
	}

	coord := signals.New(signals.WithLogger(logger))
	cli := client.New(
		client.WithLogger(logger),
		client.WithInterrupts(coord),
		client.WithRuntime(blocking.New(blocking.WithLogger(logger))),
		client.WithBufferLimit(*bufferLimit),
	)
	a := &app{
		cli:         cli,
		coord:       coord,
		logger:      logger,
		print:       newPrinter(stdout, stderr, *forceColor, *noColor),
		profilePath: profilePath,
	}
	a.registerCommands()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown := func() {
		if a.watcher != nil {
			_ = a.watcher.Stop()
		}
		closeCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := cli.Close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}

	// Ctrl-C with no stream running leaves the program.
	coord.Listen(ctx, func(os.Signal) {
		fmt.Fprintln(stderr)
		shutdown()
		os.Exit(130)
	})

	code := 0
	if rest := fs.Args(); len(rest) > 0 {
		if err := a.run(ctx, rest); err != nil && !errors.Is(err, errExit) {
			a.print.err(err)
			code = 1
		}
	} else {
		a.repl(ctx, stdin, stdout)
	}
	shutdown()
	return code
}

func (a *app) repl(ctx context.Context, in io.Reader, out io.Writer) {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd())
	}
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(out, prompt)
		}
		if !sc.Scan() {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words, err := splitLine(line)
		if err != nil {
			a.print.err(err)
			continue
		}
		err = a.run(ctx, words)
		switch {
		case errors.Is(err, errExit):
			return
		case err != nil:
			a.print.err(err)
		}
	}
}
