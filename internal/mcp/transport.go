package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
)

// Message is a raw frame received from a transport.
type Message struct {
	Data  []byte
	Error error
}

// Transport moves JSON-RPC frames between client and server.
type Transport interface {
	Send(ctx context.Context, msg any) error
	Receive() <-chan Message
	Close() error
	IsConnected() bool
}

var shellMetaChars = regexp.MustCompile(`[;&|<>$` + "`" + `\\]`)

// validateCommand rejects commands that look like shell injection attempts.
// MCP server commands come from configuration, not user input, but the
// subprocess is spawned with the gateway's privileges.
func validateCommand(command string, args []string) error {
	if command == "" {
		return fmt.Errorf("command is empty")
	}
	if shellMetaChars.MatchString(command) {
		return fmt.Errorf("command contains shell metacharacters: %s", command)
	}
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("command not found: %s: %w", command, err)
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") && strings.ContainsAny(arg, ";|&") {
			return fmt.Errorf("argument contains suspicious characters: %s", arg)
		}
	}
	return nil
}

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-delimited JSON over its stdin/stdout.
type StdioTransport struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	receiveCh chan Message
	logger    *slog.Logger

	mu        sync.Mutex
	connected bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport validates and starts the server subprocess.
func NewStdioTransport(command string, args, env []string, logger *slog.Logger) (*StdioTransport, error) {
	if err := validateCommand(command, args); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	t := &StdioTransport{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		receiveCh: make(chan Message, 16),
		logger:    logger,
		connected: true,
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.readStderr()
	go t.monitorProcess()

	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return fmt.Errorf("transport closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) Receive() <-chan Message {
	return t.receiveCh
}

func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()

		t.stdin.Close()
		t.stdout.Close()
		t.stderr.Close()

		if t.cmd.Process != nil {
			err = t.cmd.Process.Kill()
		}

		go func() {
			t.wg.Wait()
			close(t.receiveCh)
		}()
	})
	return err
}

// readLoop forwards stdout lines as messages. Server replies can be large,
// tool results in particular, so the scanner buffer is raised to 1MB.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		t.receiveCh <- Message{Data: data}
	}

	if err := scanner.Err(); err != nil {
		t.mu.Lock()
		connected := t.connected
		t.mu.Unlock()
		if connected {
			t.receiveCh <- Message{Error: fmt.Errorf("stdout read failed: %w", err)}
		}
	}
}

func (t *StdioTransport) readStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Debug("mcp: server stderr", "line", scanner.Text())
	}
}

func (t *StdioTransport) monitorProcess() {
	err := t.cmd.Wait()

	t.mu.Lock()
	connected := t.connected
	t.connected = false
	t.mu.Unlock()

	if connected {
		if err == nil {
			err = fmt.Errorf("server process exited")
		} else {
			err = fmt.Errorf("server process exited: %w", err)
		}
		t.receiveCh <- Message{Error: err}
	}
}
