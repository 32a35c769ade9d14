package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/dispatch-run/dispatch/internal/logging"
)

// closeGrace bounds how long Close waits for the shell to exit on its own
// (in response to the "exit" command it writes to the pty) before falling
// back to killing the process outright.
const closeGrace = 2 * time.Second

// PTYConfig is the kind-specific config document for a pty session: the
// shell path, working directory, initial dimensions, and an environment
// overlay applied on top of the server's own environment.
type PTYConfig struct {
	Shell string   `json:"shell"`
	Cwd   string   `json:"cwd"`
	Cols  int      `json:"cols"`
	Rows  int      `json:"rows"`
	Env   []string `json:"env,omitempty"`
}

// PTY spawns a shell under a real pseudo-terminal and streams its output as
// events.
type PTY struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	master *os.File
	emit   Emit
	// closeRequested guards Close's idempotency; it does not gate waitLoop's
	// terminal-event emission. waitLoop always emits system:status/exit once
	// cmd.Wait() returns, whether the shell exited on its own or Close asked
	// it to.
	closeRequested bool
	// exited is closed by waitLoop once cmd.Wait() returns, letting Close
	// race a grace period against a clean shell exit before killing it.
	exited chan struct{}
}

// NewPTY constructs an unstarted pty adapter. Used as an adapter.Factory.
func NewPTY() Adapter { return &PTY{} }

func (p *PTY) Start(ctx context.Context, rawConfig json.RawMessage, emit Emit) error {
	var cfg PTYConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return fmt.Errorf("pty: invalid config: %w", err)
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}

	p.mu.Lock()
	p.emit = emit
	p.exited = make(chan struct{})
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, cfg.Shell)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)})
	if err != nil {
		return fmt.Errorf("pty: start: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.master = master
	p.mu.Unlock()

	emit("system:status", "open", nil)

	go p.readLoop(master, emit)
	go p.waitLoop(cmd, emit)

	return nil
}

func (p *PTY) readLoop(master *os.File, emit Emit) {
	buf := make([]byte, 32*1024)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit("pty:stdout", "chunk", chunk)
		}
		if err != nil {
			return
		}
	}
}

// waitLoop blocks on the shell's exit and emits the session's terminal
// event. This is the adapter's only path to system:status/exit — it runs
// whether the shell exited on its own or Close asked it to terminate.
func (p *PTY) waitLoop(cmd *exec.Cmd, emit Emit) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited != nil {
		close(exited)
	}

	payload, _ := json.Marshal(map[string]int{"exitCode": exitCode})
	emit("system:status", "exit", payload)
	ptyLogger := logging.AdapterLogger("pty")
	ptyLogger.Info().Int("exitCode", exitCode).Msg("adapter exited")
}

func (p *PTY) Write(data []byte) error {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()
	if master == nil {
		return fmt.Errorf("pty: not running")
	}
	_, err := master.Write(data)
	return err
}

func (p *PTY) Resize(cols, rows int) error {
	p.mu.Lock()
	master := p.master
	p.mu.Unlock()
	if master == nil {
		return fmt.Errorf("pty: not running")
	}
	return pty.Setsize(master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close cooperatively terminates the shell: it writes "exit" to the pty,
// the same way typing exit ends an interactive session, so the shell exits
// on its own with status 0. If the shell hasn't exited within closeGrace —
// e.g. a foreground command is still running and swallowed the input —
// Close falls back to killing the process outright. Close does not itself
// emit a terminal event: waitLoop observes cmd.Wait() returning either way
// and emits system:status/exit, the only terminal event a pty session ever
// produces. Idempotent: a second Close is a no-op.
func (p *PTY) Close(reason string) error {
	p.mu.Lock()
	if p.closeRequested {
		p.mu.Unlock()
		return nil
	}
	p.closeRequested = true
	cmd := p.cmd
	master := p.master
	exited := p.exited
	p.mu.Unlock()

	ptyLogger := logging.AdapterLogger("pty")
	ptyLogger.Info().Str("reason", reason).Msg("pty: close requested")

	if master != nil {
		master.Write([]byte("exit\r\n"))
	}

	go func() {
		if exited != nil {
			select {
			case <-exited:
				return
			case <-time.After(closeGrace):
			}
		}
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
		if master != nil {
			master.Close()
		}
	}()
	return nil
}
