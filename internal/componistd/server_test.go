package componistd

import (
	"context"
	"net"
	"testing"

	"github.com/pytrms/componist/internal/compose"
	"github.com/pytrms/componist/internal/conductor"
	"github.com/pytrms/componist/internal/dispatch"
	"github.com/pytrms/componist/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// newTestServer builds a one-run session of two 10-cycle steps (end cycle 20).
func newTestServer(t *testing.T) *Server {
	t.Helper()
	opts := compose.DefaultOptions()
	opts.MaxRuns = 1
	comp, err := compose.New([]*compose.Step{
		compose.MustStep("Oans", map[string]any{"Eins": 1}, 10, 0),
		compose.MustStep("Zwoa", map[string]any{"Zwei": 2}, 10, 0),
	}, opts)
	require.NoError(t, err)

	buffer := &dispatch.BufferSink{}
	routine, err := scheduler.New(comp, buffer, scheduler.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	nop := zerolog.Nop()
	cond := conductor.New(comp, routine, conductor.Options{Logger: &nop})
	return NewServer(cond, routine, zerolog.Nop(), WithVersion("test-version"), WithWrites(buffer))
}

func dialServer(t *testing.T, server *Server) *Client {
	t.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	RegisterComponistServiceServer(grpcServer, server)
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func report(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return req
}

func TestServerPing(t *testing.T) {
	client := dialServer(t, newTestServer(t))

	ts, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, ts.GetSeconds())
}

func TestServerReportCycleReturnsDueWrites(t *testing.T) {
	server := newTestServer(t)
	client := dialServer(t, server)
	ctx := context.Background()

	reply, err := client.ReportCycle(ctx, report(t, map[string]any{"cycle": 0, "run": 1, "step": 1}))
	require.NoError(t, err)

	fields := reply.AsMap()
	assert.Equal(t, false, fields["finished"])
	writes, ok := fields["writes"].([]any)
	require.True(t, ok)
	require.Len(t, writes, 2)
	assert.Equal(t, map[string]any{"par_id": "Eins", "value": float64(1), "cycle": float64(0)}, writes[0])
	assert.Equal(t, map[string]any{"par_id": "Zwei", "value": float64(2), "cycle": float64(10)}, writes[1])

	reply, err = client.ReportCycle(ctx, report(t, map[string]any{"cycle": 10, "run": 1, "step": 2}))
	require.NoError(t, err)
	fields = reply.AsMap()
	assert.Empty(t, fields["writes"])
	assert.Equal(t, float64(1), fields["completed_run"])
	assert.Equal(t, float64(1), fields["completed_step"])

	reply, err = client.ReportCycle(ctx, report(t, map[string]any{"cycle": 20}))
	require.NoError(t, err)
	assert.Equal(t, true, reply.AsMap()["finished"])

	select {
	case <-server.Done():
	default:
		t.Fatal("expected server to be done after the composition finished")
	}

	_, err = client.ReportCycle(ctx, report(t, map[string]any{"cycle": 21}))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestServerReportCycleStopped(t *testing.T) {
	server := newTestServer(t)
	client := dialServer(t, server)
	ctx := context.Background()

	_, err := client.ReportCycle(ctx, report(t, map[string]any{"cycle": 2, "run": 1, "step": 1}))
	require.NoError(t, err)

	reply, err := client.ReportCycle(ctx, report(t, map[string]any{"cycle": 3, "stopped": true}))
	require.NoError(t, err)
	assert.Equal(t, true, reply.AsMap()["finished"])

	select {
	case <-server.Done():
	default:
		t.Fatal("expected server to be done after stop")
	}
}

func TestServerIgnoresStopBeforeFirstCycle(t *testing.T) {
	server := newTestServer(t)
	client := dialServer(t, server)
	ctx := context.Background()

	reply, err := client.ReportCycle(ctx, report(t, map[string]any{"cycle": 0, "stopped": true}))
	require.NoError(t, err)
	assert.Equal(t, false, reply.AsMap()["finished"])
	assert.Empty(t, reply.AsMap()["writes"])

	select {
	case <-server.Done():
		t.Fatal("a stop sent before the first cycle must not end the session")
	default:
	}

	reply, err = client.ReportCycle(ctx, report(t, map[string]any{"cycle": 0, "run": 1, "step": 1}))
	require.NoError(t, err)
	assert.Len(t, reply.AsMap()["writes"], 2)
}

func TestServerReportCycleValidation(t *testing.T) {
	client := dialServer(t, newTestServer(t))

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "missing cycle", fields: map[string]any{"run": 1}},
		{name: "negative cycle", fields: map[string]any{"cycle": -4}},
		{name: "fractional cycle", fields: map[string]any{"cycle": 1.5}},
		{name: "string step", fields: map[string]any{"cycle": 1, "step": "two"}},
		{name: "numeric stopped", fields: map[string]any{"cycle": 1, "stopped": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ReportCycle(context.Background(), report(t, tt.fields))
			require.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestServerStatus(t *testing.T) {
	client := dialServer(t, newTestServer(t))
	ctx := context.Background()

	_, err := client.ReportCycle(ctx, report(t, map[string]any{"cycle": 5}))
	require.NoError(t, err)

	reply, err := client.Status(ctx)
	require.NoError(t, err)
	fields := reply.AsMap()
	assert.Equal(t, "test-version", fields["version"])
	assert.Equal(t, float64(1), fields["reports"])
	assert.Equal(t, float64(2), fields["dispatched"])
	assert.Equal(t, true, fields["exhausted"])
	assert.Equal(t, float64(100), fields["foresight_cycles"])
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	server := newTestServer(t)
	server.Shutdown(context.Background(), nil)
	server.Shutdown(context.Background(), context.Canceled)

	select {
	case <-server.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	assert.NoError(t, server.Err())
}

func TestServerErrReportsShutdownCause(t *testing.T) {
	server := newTestServer(t)
	assert.NoError(t, server.Err())

	server.Shutdown(context.Background(), context.Canceled)
	assert.ErrorIs(t, server.Err(), context.Canceled)
}
