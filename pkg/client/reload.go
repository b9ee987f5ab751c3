package client

import (
	"context"

	"github.com/lightforgemedia/go-nuts/pkg/config"
	"github.com/lightforgemedia/go-nuts/pkg/filewatcher"
)

// ReloadOnChange reconnects whenever w reports a changed file. resolve is
// called again for every change so edited profiles take effect. A reconnect
// is skipped when another connect replaced the connection in the meantime.
func (c *Client) ReloadOnChange(ctx context.Context, w *filewatcher.Watcher, resolve func() (config.Profile, error)) error {
	w.AddCallback(func(file string) {
		gen := c.Generation()
		if gen == 0 {
			return
		}
		p, err := resolve()
		if err != nil {
			c.logger.Warn("Not reconnecting, profile is invalid", "file", file, "error", err)
			return
		}
		ok, err := c.Reconnect(ctx, gen, p)
		switch {
		case err != nil:
			c.logger.Warn("Reconnect failed", "file", file, "error", err)
		case !ok:
			c.logger.Debug("Connection replaced concurrently, reconnect dropped", "file", file)
		}
	})
	return w.Start(ctx)
}
