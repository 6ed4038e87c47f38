package mailbox

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/curious-containers/ccagency/pkg/log"
)

// DestinationScheduler is the trigger destination for schedule passes.
const DestinationScheduler = "scheduler"

// Trigger is the one-shot message requesting work from the controller.
type Trigger struct {
	Destination string `json:"destination"`
}

// Send delivers a trigger to the controller mailbox. Fire-and-forget: the
// controller coalesces whatever arrives, so senders never wait.
func Send(socketPath, destination string) error {
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return fmt.Errorf("failed to reach controller mailbox: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(Trigger{Destination: destination})
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send trigger: %w", err)
	}
	return nil
}

// Receiver owns the mailbox socket and reduces incoming triggers to
// "at least one pass is pending" per destination. Datagrams arriving while
// a pass runs coalesce into exactly one follow-up signal.
type Receiver struct {
	conn *net.UnixConn

	mu      sync.Mutex
	pending map[string]chan struct{}
	closed  bool
}

// Listen binds the mailbox socket. The parent directory is created with
// mode 0700 and a stale socket file is removed first.
func Listen(socketPath string) (*Receiver, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	addr, err := net.ResolveUnixAddr("unixgram", socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind mailbox socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o700); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to restrict socket mode: %w", err)
	}

	r := &Receiver{
		conn:    conn,
		pending: make(map[string]chan struct{}),
	}
	go r.readLoop()
	return r, nil
}

// Triggers returns the coalesced signal channel for a destination. A
// receive drains the pending flag; the next datagram raises it again.
func (r *Receiver) Triggers(destination string) <-chan struct{} {
	return r.channel(destination)
}

// Raise marks a pass pending locally, without going through the socket.
// The controller uses it for self-triggers.
func (r *Receiver) Raise(destination string) {
	ch := r.channel(destination)
	select {
	case ch <- struct{}{}:
	default:
		// Already pending; coalesce.
	}
}

func (r *Receiver) channel(destination string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[destination]
	if !ok {
		ch = make(chan struct{}, 1)
		r.pending[destination] = ch
	}
	return ch
}

func (r *Receiver) readLoop() {
	logger := log.WithComponent("mailbox")
	buf := make([]byte, 4096)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				logger.Error().Err(err).Msg("mailbox read failed")
			}
			return
		}

		var trigger Trigger
		if err := json.Unmarshal(buf[:n], &trigger); err != nil {
			logger.Warn().Err(err).Msg("dropping malformed trigger")
			continue
		}
		if trigger.Destination == "" {
			logger.Warn().Msg("dropping trigger without destination")
			continue
		}
		r.Raise(trigger.Destination)
	}
}

// Close shuts the mailbox down and removes the socket file.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	err := r.conn.Close()
	os.Remove(r.conn.LocalAddr().String())
	return err
}
