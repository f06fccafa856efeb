package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultCommand = "claude"
	stderrTailSize = 4 * 1024
)

// ExitError reports an agent process that exited unsuccessfully.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.Code)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.Code, e.Stderr)
}

// Request describes one invocation. Resume continues SessionID; otherwise
// SessionID is assigned to a new agent session.
type Request struct {
	SessionID    string
	Resume       bool
	Prompt       string
	SystemPrompt string
	Env          []string
}

// StreamFunc consumes the agent's stdout.
type StreamFunc func(stdout io.Reader) error

type Options struct {
	Command        string
	Args           []string
	Model          string
	PermissionMode string
	WorkDir        string
}

type Runner struct {
	opts   Options
	logger *log.Logger
}

func NewRunner(opts Options, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(opts.Command) == "" {
		opts.Command = DefaultCommand
	}
	return &Runner{opts: opts, logger: logger}
}

// Args builds the command line for req, without the command itself.
func (r *Runner) Args(req Request) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if req.Resume {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", req.SessionID)
	}
	if model := strings.TrimSpace(r.opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	if mode := strings.TrimSpace(r.opts.PermissionMode); mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if prompt := strings.TrimSpace(req.SystemPrompt); prompt != "" {
		args = append(args, "--append-system-prompt", prompt)
	}
	return append(args, r.opts.Args...)
}

// Run starts the agent, writes the prompt to its stdin and hands stdout to
// stream. It returns once the process has exited and both output pipes are
// drained.
func (r *Runner) Run(ctx context.Context, req Request, stream StreamFunc) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return errors.New("session id is required")
	}

	cmd := exec.CommandContext(ctx, r.opts.Command, r.Args(req)...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	r.logger.Printf("agent started session=%s resume=%t pid=%d", req.SessionID, req.Resume, cmd.Process.Pid)

	tail := &tailBuffer{limit: stderrTailSize}
	var group errgroup.Group
	group.Go(func() error {
		err := stream(stdout)
		// keep the pipe flowing so the process can exit
		_, _ = io.Copy(io.Discard, stdout)
		return err
	})
	group.Go(func() error {
		_, err := io.Copy(tail, stderr)
		return err
	})
	streamErr := group.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("agent interrupted: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &ExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
		}
		return fmt.Errorf("wait agent: %w", waitErr)
	}
	if streamErr != nil {
		return fmt.Errorf("consume agent output: %w", streamErr)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
