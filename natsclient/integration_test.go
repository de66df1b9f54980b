//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_ConnectToRealNATS(t *testing.T) {
	tc := NewTestClient(t)

	assert.True(t, tc.Client.IsHealthy())
	assert.True(t, tc.Client.Health().IsHealthy())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)

	got := make(chan string, 1)
	require.NoError(t, tc.Client.Subscribe("wsfeed.test", func(_ string, data []byte, _ string) {
		got <- string(data)
	}))
	require.NoError(t, tc.Client.Flush(context.Background()))

	require.NoError(t, tc.Client.Publish(context.Background(), "wsfeed.test", []byte("hello")))

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_Request(t *testing.T) {
	tc := NewTestClient(t)

	responder, err := NewClient(tc.URL)
	require.NoError(t, err)
	require.NoError(t, responder.Connect(context.Background()))
	defer responder.Close(context.Background())

	conn, err := responder.connection()
	require.NoError(t, err)
	require.NoError(t, responder.Subscribe("wsfeed.rpc", func(_ string, data []byte, reply string) {
		_ = conn.Publish(reply, append([]byte("re:"), data...))
	}))
	require.NoError(t, responder.Flush(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tc.Client.Request(ctx, "wsfeed.rpc", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(resp))
}
