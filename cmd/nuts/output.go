package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
	"github.com/mattn/go-isatty"
)

// printer renders results for a human at a terminal, or plain text when
// the output is redirected.
type printer struct {
	out    io.Writer
	errOut io.Writer
	binary bool

	subject  func(format string, a ...interface{}) string
	key      func(format string, a ...interface{}) string
	meta     func(format string, a ...interface{}) string
	failure  func(format string, a ...interface{}) string
	deletion func(format string, a ...interface{}) string
}

func newPrinter(out, errOut io.Writer, forceColor, noColor bool) *printer {
	enabled := forceColor
	if !forceColor && !noColor {
		if f, ok := out.(*os.File); ok {
			enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	color.NoColor = !enabled

	return &printer{
		out:      out,
		errOut:   errOut,
		subject:  color.CyanString,
		key:      color.New(color.FgYellow, color.Bold).SprintfFunc(),
		meta:     color.RGB(128, 128, 128).SprintfFunc(),
		failure:  color.RedString,
		deletion: color.MagentaString,
	}
}

// withBinary returns a copy printing payloads as hex dumps.
func (p *printer) withBinary(binary bool) *printer {
	c := *p
	c.binary = binary
	return &c
}

func (p *printer) value(b []byte) string {
	if p.binary {
		return "\n" + strings.TrimRight(hex.Dump(b), "\n")
	}
	return payload.Text(b)
}

func (p *printer) message(m broker.Message) {
	line := p.subject("%s", m.Subject)
	if m.Reply != "" {
		line += " " + p.meta("reply=%s", m.Reply)
	}
	if len(m.Header) > 0 {
		keys := make([]string, 0, len(m.Header))
		for k := range m.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var hs []string
		for _, k := range keys {
			hs = append(hs, k+"="+strings.Join(m.Header[k], ","))
		}
		line += " " + p.meta("[%s]", strings.Join(hs, " "))
	}
	fmt.Fprintf(p.out, "%s %s\n", line, p.value(m.Payload))
}

func (p *printer) entry(e broker.Entry) {
	rev := p.meta("#%d", e.Revision)
	if e.Op != broker.OpPut {
		fmt.Fprintf(p.out, "%s %s %s\n", rev, p.deletion("%s", e.Op), p.key("%s", e.Key))
		return
	}
	fmt.Fprintf(p.out, "%s %s: %s\n", rev, p.key("%s", e.Key), p.value(e.Value))
}

func (p *printer) raw(b []byte) {
	fmt.Fprintln(p.out, p.value(b))
}

func (p *printer) name(s string) {
	fmt.Fprintln(p.out, s)
}

func (p *printer) info(format string, a ...any) {
	fmt.Fprintln(p.out, p.meta(format, a...))
}

func (p *printer) err(err error) {
	fmt.Fprintln(p.errOut, p.failure("error: %v", err))
}
