package jobq

import (
	"context"

	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

type workerKey struct{}

// WorkerFromContext describes the worker executing the payload that
// received ctx.
func WorkerFromContext(ctx context.Context) (types.WorkerStats, bool) {
	w, ok := ctx.Value(workerKey{}).(*worker)
	if !ok {
		return types.WorkerStats{}, false
	}
	return w.stats(), true
}

// WorkerEnv returns the per-worker value installed with WithWorkerEnv.
func WorkerEnv(ctx context.Context) any {
	if w, ok := ctx.Value(workerKey{}).(*worker); ok {
		return w.env
	}
	return nil
}
