package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/coderelay/relay/pkg/event"
)

// codexStrategy drives the line-oriented codex subprocess: newline-delimited
// JSON on stdout, normalized line by line. Malformed or unrecognized lines
// are dropped silently.
type codexStrategy struct {
	binary   string
	baseArgs []string
	params   Params

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// scanner buffer sized for long single-line JSON records.
const maxLineBytes = 4 * 1024 * 1024

func (s *codexStrategy) run(ctx context.Context, ex *Execution) error {
	args := s.buildArgs()

	cmd := exec.CommandContext(ctx, s.binary, args...)
	if s.params.WorkDir != "" {
		cmd.Dir = s.params.WorkDir
	}
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		parsed, ok := parseCodexLine(line)
		if !ok {
			continue
		}
		s.route(ex, parsed)
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return fmt.Errorf("agent process failed: %s", msg)
	}

	return nil
}

func (s *codexStrategy) route(ex *Execution, parsed parsedLine) {
	switch {
	case parsed.ev.Type == event.TypeSessionDetected:
		ex.pushSessionDetected(parsed.ev.ExternalSessionID)
	case parsed.ev.Type == event.TypeMessage && parsed.ev.Role == "assistant":
		ex.pushAssistantText(parsed.ev.Content, parsed.delta)
	default:
		ex.push(parsed.ev)
	}
}

func (s *codexStrategy) buildArgs() []string {
	args := make([]string, 0, len(s.baseArgs)+4)
	if len(s.baseArgs) > 0 {
		args = append(args, s.baseArgs...)
	} else {
		args = append(args, "exec", "--json")
	}

	if s.params.ResumeExternalID != "" {
		args = append(args, "resume", s.params.ResumeExternalID)
	}

	return append(args, s.params.Prompt)
}

// stop interrupts the process and waits for the read loop to finish.
func (s *codexStrategy) stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *codexStrategy) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
