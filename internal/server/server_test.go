package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/reactor-jobq/internal/jobq"
	"github.com/ChuLiYu/reactor-jobq/pkg/types"
)

type fakeBackend struct {
	mu     sync.Mutex
	queues map[string]*types.QueueStats
}

func newFakeBackend(stats ...types.QueueStats) *fakeBackend {
	b := &fakeBackend{queues: make(map[string]*types.QueueStats)}
	for i := range stats {
		b.queues[stats[i].Name] = &stats[i]
	}
	return b
}

func (b *fakeBackend) Stats() []types.QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.QueueStats
	for _, name := range []string{"cpu", "io"} {
		if st, ok := b.queues[name]; ok {
			out = append(out, *st)
		}
	}
	return out
}

func (b *fakeBackend) Resize(queue string, n int) (types.QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.queues[queue]
	if !ok {
		return types.QueueStats{}, jobq.ErrQueueNotFound
	}
	st.DesiredConcurrency = int64(n)
	st.Concurrency = int64(n)
	return *st, nil
}

func startServer(t *testing.T, backend Backend) (*Server, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(backend, nil)
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
	})
	return srv, client
}

func TestListQueues(t *testing.T) {
	backend := newFakeBackend(
		types.QueueStats{Name: "io", Backlog: 4, InFlight: 1, TotalJobs: 5, Timeouts: 1, AvgRunNS: 1.5e7, Concurrency: 1, DesiredConcurrency: 1,
			Workers: []types.WorkerStats{{ID: 7, ThreadID: 4242, ActiveJob: 99}}},
		types.QueueStats{Name: "cpu", Concurrency: 0, DesiredConcurrency: 2, PendingCancels: 1},
	)
	_, client := startServer(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := client.ListQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.Stats(), stats)
}

func TestResize(t *testing.T) {
	backend := newFakeBackend(types.QueueStats{Name: "io"})
	_, client := startServer(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := client.Resize(ctx, "io", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.DesiredConcurrency)

	_, err = client.Resize(ctx, "missing", 1)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Resize(ctx, "", 1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Resize(ctx, "io", -1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQueueHealth(t *testing.T) {
	backend := newFakeBackend(types.QueueStats{Name: "io", Concurrency: 1}, types.QueueStats{Name: "cpu"})
	srv, client := startServer(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := client.QueueHealth(ctx, "io")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = client.QueueHealth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	// resizing refreshes health
	_, err = client.Resize(ctx, "cpu", 2)
	require.NoError(t, err)
	st, err = client.QueueHealth(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	backend.mu.Lock()
	delete(backend.queues, "io")
	backend.mu.Unlock()
	srv.RefreshHealth()
	st, err = client.QueueHealth(ctx, "io")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, st)

	_, err = client.QueueHealth(ctx, "never")
	assert.Equal(t, codes.NotFound, status.Code(err))
}
