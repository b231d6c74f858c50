// Package control is the inbound Unix-domain control socket (spec.md §6,
// §4.10): a newline-delimited JSON listener that extensions running inside
// child agent processes dial to deliver best-effort messages back to the
// supervisor, the most common being interrupt_agent.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/supervisor"
)

// readDeadline bounds how long a single connection's read may block before
// the listener gives up on it (spec.md §4.10: "best-effort: timeout 1.5s").
const readDeadline = 1500 * time.Millisecond

// message is the newline-delimited JSON envelope sent by child extensions.
type message struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}

// Listener owns the Unix socket and dispatches recognized message types to
// the supervisor.
type Listener struct {
	sockPath string
	sup      *supervisor.Manager
	log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// New builds a control socket listener bound to sockPath, dispatching to sup.
func New(sockPath string, sup *supervisor.Manager, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{sockPath: sockPath, sup: sup, log: log}
}

// Start removes any stale socket file, binds, and begins accepting
// connections in the background. It returns once the socket is ready.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.removeStale(); err != nil {
		return err
	}
	ln, err := net.Listen("unix", l.sockPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(l.sockPath, 0o700); err != nil {
		_ = ln.Close()
		return err
	}
	l.listener = ln
	l.log.Info("control: listening", "socket", l.sockPath)

	go l.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	return nil
}

func (l *Listener) removeStale() error {
	conn, err := net.DialTimeout("unix", l.sockPath, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return nil
	}
	if info, statErr := os.Lstat(l.sockPath); statErr == nil {
		if info.Mode()&os.ModeSocket != 0 {
			return os.Remove(l.sockPath)
		}
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			l.log.Warn("control: accept failed", "error", err)
			continue
		}
		go l.handleConnection(ctx, conn)
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			l.log.Warn("control: malformed message", "error", err)
			continue
		}
		l.dispatch(ctx, msg)
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

func (l *Listener) dispatch(ctx context.Context, msg message) {
	switch msg.Type {
	case "interrupt_agent":
		l.sup.InterruptAgent(ctx, msg.TaskID, msg.Message)
	default:
		l.log.Warn("control: unknown message type", "type", msg.Type)
	}
}

// Stop closes the listener and removes the socket file.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	ln := l.listener
	l.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	_ = os.Remove(l.sockPath)
}
