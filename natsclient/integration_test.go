package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/hypernote/metric"
	"github.com/c360/hypernote/query"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	natsURL := startNATSContainer(ctx, t)

	client, err := NewClient(natsURL, WithMetrics(metric.NewMetrics()))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	assert.True(t, client.IsHealthy())
	assert.Equal(t, StatusConnected, client.Status())

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_MirrorOverRealNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	natsURL := startNATSContainer(ctx, t)

	client, err := NewClient(natsURL, WithName("mirror-test"))
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	store := query.NewStore()
	mirror := NewMirror(client, store, "it")
	require.NoError(t, mirror.Start(ctx))
	defer mirror.Stop()

	received := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(ctx, mirror.QuerySubject("counter"), func(_ context.Context, data []byte) {
		received <- data
	}))

	store.SetQueryResult("counter", query.Record{"content": "42"})

	select {
	case data := <-received:
		var update QueryUpdate
		require.NoError(t, json.Unmarshal(data, &update))
		assert.Equal(t, "counter", update.QueryID)
		assert.Equal(t, "42", update.Record["content"])
	case <-time.After(5 * time.Second):
		t.Fatal("query update not received")
	}
}

func startNATSContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
	}
	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = natsContainer.Terminate(context.Background()) })

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)
	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}
