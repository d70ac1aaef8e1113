package workflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Completer is the opaque per-item processing engine. The pipeline feeds it
// one item and records whatever it returns; any engine honoring this contract
// can be substituted.
type Completer interface {
	Complete(ctx context.Context, item string) (json.RawMessage, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, item string) (json.RawMessage, error)

func (f CompleterFunc) Complete(ctx context.Context, item string) (json.RawMessage, error) {
	return f(ctx, item)
}

// EchoCompleter is the default engine: it wraps the item in a small JSON
// object without calling out anywhere.
func EchoCompleter() Completer {
	return CompleterFunc(func(ctx context.Context, item string) (json.RawMessage, error) {
		return json.Marshal(map[string]string{
			"item":    item,
			"summary": fmt.Sprintf("processed %s", item),
		})
	})
}
