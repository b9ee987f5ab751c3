// Package filter selects stream items with boolean expressions such as
//
//	subject == "orders.eu" && headers.priority == "high"
//	operation == "put" && revision > 10
//
// Expressions are evaluated against the row form of an item (see Row).
package filter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/lightforgemedia/go-nuts/pkg/broker"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
)

// Predicate is a compiled filter expression.
type Predicate struct {
	src    string
	prog   *vm.Program
	logger *slog.Logger
}

// Compile parses src. Names not present in a row evaluate to nil.
func Compile(src string, logger *slog.Logger) (*Predicate, error) {
	prog, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", src, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Predicate{src: src, prog: prog, logger: logger}, nil
}

// String returns the source expression.
func (p *Predicate) String() string { return p.src }

// Match evaluates the predicate against row.
func (p *Predicate) Match(row map[string]any) (bool, error) {
	out, err := expr.Run(p.prog, row)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", p.src, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Keep matches the row form of v. Evaluation errors drop the item.
func (p *Predicate) Keep(v any) bool {
	ok, err := p.Match(Row(v))
	if err != nil {
		p.logger.Debug("Dropping item", "error", err)
		return false
	}
	return ok
}

// Row converts a stream item into named fields.
func Row(v any) map[string]any {
	switch x := v.(type) {
	case broker.Message:
		row := map[string]any{
			"subject": x.Subject,
			"payload": payload.Text(x.Payload),
		}
		if x.Reply != "" {
			row["reply"] = x.Reply
		}
		if len(x.Header) > 0 {
			h := make(map[string]any, len(x.Header))
			for k, vals := range x.Header {
				if len(vals) == 1 {
					h[k] = vals[0]
				} else {
					h[k] = vals
				}
			}
			row["headers"] = h
		}
		return row
	case broker.Entry:
		row := map[string]any{
			"bucket":    x.Bucket,
			"key":       x.Key,
			"value":     payload.Text(x.Value),
			"revision":  x.Revision,
			"operation": x.Op.String(),
		}
		if !x.Created.IsZero() {
			row["created"] = x.Created.Format(time.RFC3339Nano)
		}
		return row
	case string:
		return map[string]any{"name": x}
	default:
		return map[string]any{"value": v}
	}
}
