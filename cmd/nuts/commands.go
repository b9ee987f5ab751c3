package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jimsnab/go-cmdline"
	"github.com/lightforgemedia/go-nuts/pkg/broker/ps"
	"github.com/lightforgemedia/go-nuts/pkg/client"
	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/filewatcher"
	"github.com/lightforgemedia/go-nuts/pkg/filter"
	"github.com/lightforgemedia/go-nuts/pkg/gateway"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
	"github.com/lightforgemedia/go-nuts/pkg/signals"
	"github.com/lightforgemedia/go-nuts/pkg/stream"
)

const usage = `commands:
  connect [--url U] [--user U --password P] [--creds C] [--nkey K] [--memory] [--watch]
  pub <subject> <value>...
  sub <subject> [--where EXPR] [--limit N] [--binary]
  kv get <bucket> <key> [--binary]
  kv put <bucket> <key> <value> | kv put <bucket> <record>
  kv del <bucket> [key]...
  kv list [bucket]
  kv watch <bucket> [key] [--where EXPR] [--limit N] [--binary]
  kv create <bucket> [--history N]
  serve [--addr :8222]
  help | exit`

var errExit = errors.New("exit")

type app struct {
	cli         *client.Client
	coord       *signals.Coordinator
	logger      *slog.Logger
	print       *printer
	profilePath string

	cmds    *cmdline.CommandLine
	verbs   map[string]string
	watcher *filewatcher.Watcher
}

// invocation travels to every handler under the "" key.
type invocation struct {
	ctx  context.Context
	exit bool
}

type handler func(ctx context.Context, args cmdline.Values) error

// register adds a command. verb is the name the user types; "kv get" is
// registered as "kv-get".
func (a *app) register(verb string, fn handler, primary string, options ...string) {
	name := strings.ReplaceAll(verb, " ", "-")
	a.verbs[name] = verb
	specs := append([]string{name + primary}, options...)
	a.cmds.RegisterCommand(func(args cmdline.Values) error {
		return fn(args[""].(*invocation).ctx, args)
	}, specs...)
}

func (a *app) registerCommands() {
	a.cmds = cmdline.NewCommandLine()
	a.verbs = make(map[string]string)

	streamOptions := []string{
		"[--where <string-expr>]?Only show items matching the expression",
		"[--limit <int-count>]?Stop after <count> items",
		"[--binary]?Print payloads as hex dumps",
	}

	a.register("connect", a.connect, "?Connect to a server, resolving the profile, flags and environment",
		"[--url <string-url>]?Server URL",
		"[--user <string-user>]?User name",
		"[--password <string-password>]?Password",
		"[--creds <string-creds>]?Credentials file or inline credentials",
		"[--nkey <string-nkey>]?NKEY seed or seed file",
		"[--memory]?Use an in-process broker",
		"[--watch]?Reconnect when credential files change",
	)
	a.register("pub", a.pub, " <string-subject>?Publish one message per value", "*<string-values>?Values, read as YAML literals")
	a.register("sub", a.sub, " <string-subject>?Stream messages on a subject", streamOptions...)
	a.register("kv get", a.kvGet, " <string-bucket> <string-key>?Print the value of a key", "[--binary]?Print the value as a hex dump")
	a.register("kv put", a.kvPut, " <string-bucket> <string-first> [<string-value>]?Put <value> under key <first>, or the record <first> as a whole")
	a.register("kv del", a.kvDel, " <string-bucket>?Delete keys, or the bucket when no key is given", "*<string-keys>?Keys to delete")
	a.register("kv list", a.kvList, " [<string-bucket>]?List buckets, or the keys of <bucket>")
	a.register("kv watch", a.kvWatch, " <string-bucket> [<string-key>]?Stream changes to a bucket or one key", streamOptions...)
	a.register("kv create", a.kvCreate, " <string-bucket>?Create a bucket", "[--history <int-revisions>]?Revisions kept per key, at most 64")
	a.register("serve", a.serve, "?Serve streams over WebSocket until Ctrl-C", "[--addr <string-address>]?Listen address, :8222 by default")
	a.register("help", func(context.Context, cmdline.Values) error {
		a.print.name(usage)
		return nil
	}, "?List the commands")
	for _, verb := range []string{"exit", "quit"} {
		a.verbs[verb] = verb
		a.cmds.RegisterCommand(func(args cmdline.Values) error {
			args[""].(*invocation).exit = true
			return nil
		}, verb+"?Leave the prompt")
	}
}

func (a *app) run(ctx context.Context, words []string) error {
	if len(words) == 0 {
		return nil
	}
	name := words[0]
	if name == "kv" {
		if len(words) == 1 {
			return errors.New("kv: missing subcommand (get, put, del, list, watch, create)")
		}
		name = "kv-" + words[1]
		words = append([]string{name}, words[2:]...)
		if _, ok := a.verbs[name]; !ok {
			return fmt.Errorf("kv: unknown subcommand %q", words[0][len("kv-"):])
		}
	}
	verb, ok := a.verbs[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", name)
	}
	inv := &invocation{ctx: ctx}
	if err := a.cmds.ProcessWithContext(inv, words); err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	if inv.exit {
		return errExit
	}
	return nil
}

// repeated reads a *<...> argument, absent or not.
func repeated(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, fmt.Sprint(s))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func optionalString(args cmdline.Values, flag, name, fallback string) string {
	if on, _ := args[flag].(bool); on {
		if s, ok := args[name].(string); ok {
			return s
		}
	}
	return fallback
}

func (a *app) connect(ctx context.Context, args cmdline.Values) error {
	flags := config.Profile{
		URL:      optionalString(args, "--url", "url", ""),
		User:     optionalString(args, "--user", "user", ""),
		Password: optionalString(args, "--password", "password", ""),
		Creds:    optionalString(args, "--creds", "creds", ""),
		NKey:     optionalString(args, "--nkey", "nkey", ""),
	}

	if args["--memory"].(bool) {
		a.cli.ConnectWith(ps.New(ps.Options{Logger: a.logger}))
		a.print.info("connected to in-process broker")
		return nil
	}

	resolver := config.Resolver{Path: a.profilePath}
	resolve := func() (config.Profile, error) { return resolver.Resolve(flags) }
	p, err := resolve()
	if err != nil {
		return err
	}
	if err := a.cli.Connect(ctx, p); err != nil {
		return err
	}
	a.print.info("connected to %s", p)

	if args["--watch"].(bool) {
		return a.watchProfile(ctx, p, resolve)
	}
	return nil
}

func (a *app) watchProfile(ctx context.Context, p config.Profile, resolve func() (config.Profile, error)) error {
	files := p.Files()
	if a.profilePath != "" {
		files = append(files, a.profilePath)
	}
	if len(files) == 0 {
		return errors.New("connect --watch: no credential or profile file to watch")
	}
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	w, err := filewatcher.New(filewatcher.WithLogger(a.logger), filewatcher.WithFiles(files...))
	if err != nil {
		return err
	}
	if err := a.cli.ReloadOnChange(context.WithoutCancel(ctx), w, resolve); err != nil {
		return err
	}
	a.watcher = w
	a.print.info("watching %d file(s) for changes", len(files))
	return nil
}

func (a *app) pub(ctx context.Context, args cmdline.Values) error {
	words := repeated(args["values"])
	if len(words) == 0 {
		return errors.New("usage: pub <subject> <value>...")
	}
	values := make([]any, 0, len(words))
	for _, s := range words {
		values = append(values, parseValue(s))
	}
	return a.cli.Publish(ctx, args["subject"].(string), values...)
}

type streamFlags struct {
	where  string
	limit  int
	binary bool
}

func readStreamFlags(args cmdline.Values) streamFlags {
	sf := streamFlags{
		where:  optionalString(args, "--where", "expr", ""),
		binary: args["--binary"].(bool),
	}
	if args["--limit"].(bool) {
		sf.limit = args["count"].(int)
	}
	return sf
}

func (sf streamFlags) options(logger *slog.Logger) ([]stream.Option, error) {
	if sf.where == "" {
		return nil, nil
	}
	pred, err := filter.Compile(sf.where, logger)
	if err != nil {
		return nil, err
	}
	return []stream.Option{stream.WithFilter(pred.Keep)}, nil
}

func (a *app) sub(ctx context.Context, args cmdline.Values) error {
	sf := readStreamFlags(args)
	opts, err := sf.options(a.logger)
	if err != nil {
		return err
	}
	sess, err := a.cli.Subscribe(ctx, args["subject"].(string), opts...)
	if err != nil {
		return err
	}
	return pull(ctx, sess, sf.limit, a.print.withBinary(sf.binary).message)
}

// pull prints items until the session ends, limit is reached or the user
// interrupts it.
func pull[T any](ctx context.Context, sess *stream.Session[T], limit int, print func(T)) error {
	n := 0
	for v, err := range sess.All(ctx) {
		if err != nil {
			return err
		}
		print(v)
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return nil
}

func (a *app) kvGet(ctx context.Context, args cmdline.Values) error {
	v, err := a.cli.Get(ctx, args["bucket"].(string), args["key"].(string))
	if err != nil {
		return err
	}
	a.print.withBinary(args["--binary"].(bool)).raw(v)
	return nil
}

func (a *app) kvPut(ctx context.Context, args cmdline.Values) error {
	bucket, first := args["bucket"].(string), args["first"].(string)
	value, hasValue := args["value"].(string)
	if !hasValue || value == "" {
		rec, ok := payload.Record(parseValue(first))
		if !ok {
			return errors.New("expected a record of key: value pairs, or a key and a value")
		}
		return a.cli.Put(ctx, bucket, rec)
	}
	rev, err := a.cli.PutValue(ctx, bucket, first, parseValue(value))
	if err != nil {
		return err
	}
	a.print.info("revision %d", rev)
	return nil
}

func (a *app) kvDel(ctx context.Context, args cmdline.Values) error {
	bucket := args["bucket"].(string)
	keys := repeated(args["keys"])
	if len(keys) == 0 {
		if err := a.cli.DeleteBucket(ctx, bucket); err != nil {
			return err
		}
		a.print.info("deleted bucket %s", bucket)
		return nil
	}
	return a.cli.Delete(ctx, bucket, keys...)
}

func (a *app) kvList(ctx context.Context, args cmdline.Values) error {
	var (
		names []string
		err   error
	)
	if bucket, _ := args["bucket"].(string); bucket != "" {
		names, err = a.cli.KeysList(ctx, bucket)
	} else {
		names, err = a.cli.BucketsList(ctx)
	}
	if err != nil {
		return err
	}
	for _, n := range names {
		a.print.name(n)
	}
	return nil
}

func (a *app) kvWatch(ctx context.Context, args cmdline.Values) error {
	sf := readStreamFlags(args)
	key, _ := args["key"].(string)
	opts, err := sf.options(a.logger)
	if err != nil {
		return err
	}
	sess, err := a.cli.Watch(ctx, args["bucket"].(string), key, opts...)
	if err != nil {
		return err
	}
	return pull(ctx, sess, sf.limit, a.print.withBinary(sf.binary).entry)
}

func (a *app) kvCreate(ctx context.Context, args cmdline.Values) error {
	history := 0
	if args["--history"].(bool) {
		history = args["revisions"].(int)
	}
	if history < 0 || history > 64 {
		return fmt.Errorf("history %d exceeds 64", history)
	}
	return a.cli.CreateBucket(ctx, args["bucket"].(string), uint8(history))
}

func (a *app) serve(ctx context.Context, args cmdline.Values) error {
	addr := optionalString(args, "--addr", "address", ":8222")

	gw := gateway.New(a.cli, gateway.WithLogger(a.logger))
	srv := &http.Server{Addr: addr, Handler: gw.Handler()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := a.coord.Register("serve", cancel)
	defer unregister()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.print.info("gateway listening on %s, Ctrl-C to stop", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer stop()
	_ = gw.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}
