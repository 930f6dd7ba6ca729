package workerhub

import (
	"context"
	"io"
	"log/slog"

	"github.com/randalmurphal/workerhub/pkg/workerhub/luahost"
	"github.com/randalmurphal/workerhub/pkg/workerhub/observability"
	"github.com/randalmurphal/workerhub/pkg/workerhub/worker"
)

// ServeWorker runs the Lua worker described by the WORKERHUB_BOOTSTRAP
// manifest, speaking the worker protocol on in and out. logger must not
// write to out.
func ServeWorker(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger) error {
	boot, dir, err := worker.BootstrapFromEnv()
	if err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := luahost.New(boot.EntryPath(dir), luahost.WithLogger(observability.WorkerLogger(logger, boot.ID)))
	defer rt.Close()
	return worker.Serve(ctx, boot.ID, in, out, rt)
}
