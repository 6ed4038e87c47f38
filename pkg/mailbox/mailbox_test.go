package mailbox

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (*Receiver, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "controller.sock")
	r, err := Listen(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, socketPath
}

func waitTrigger(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger")
	}
}

func assertNoTrigger(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected trigger")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSendDelivers tests socket delivery to a destination channel
func TestSendDelivers(t *testing.T) {
	r, socketPath := listen(t)
	ch := r.Triggers(DestinationScheduler)

	require.NoError(t, Send(socketPath, DestinationScheduler))
	waitTrigger(t, ch)
	assertNoTrigger(t, ch)
}

// TestTriggersCoalesce tests that a burst of datagrams drains as one signal
func TestTriggersCoalesce(t *testing.T) {
	r, socketPath := listen(t)
	ch := r.Triggers(DestinationScheduler)

	for i := 0; i < 10; i++ {
		require.NoError(t, Send(socketPath, DestinationScheduler))
	}

	waitTrigger(t, ch)
	// All further datagrams merged into at most one pending signal.
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
	}
	assertNoTrigger(t, ch)
}

// TestRaise tests the local self-trigger path
func TestRaise(t *testing.T) {
	r, _ := listen(t)
	ch := r.Triggers(DestinationScheduler)

	r.Raise(DestinationScheduler)
	r.Raise(DestinationScheduler)

	waitTrigger(t, ch)
	assertNoTrigger(t, ch)
}

// TestDestinationsIsolated tests that destinations have independent channels
func TestDestinationsIsolated(t *testing.T) {
	r, socketPath := listen(t)
	sched := r.Triggers(DestinationScheduler)
	other := r.Triggers("other")

	require.NoError(t, Send(socketPath, "other"))
	waitTrigger(t, other)
	assertNoTrigger(t, sched)
}

// TestMalformedDatagramsIgnored tests that junk on the socket is dropped
func TestMalformedDatagramsIgnored(t *testing.T) {
	r, socketPath := listen(t)
	ch := r.Triggers(DestinationScheduler)

	conn, err := net.Dial("unixgram", socketPath)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)

	assertNoTrigger(t, ch)

	// The receiver keeps working afterwards.
	require.NoError(t, Send(socketPath, DestinationScheduler))
	waitTrigger(t, ch)
	assert.NotNil(t, r)
}
