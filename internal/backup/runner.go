package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	logx "rbaker/pkg/logx"
)

// maxCapturedOutput bounds how much stderr/stdout is kept per command.
const maxCapturedOutput = 64 << 10

// Command is one external process invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env []string
	// Stdout receives the process stdout when set. Otherwise stdout is
	// captured together with stderr and returned by Run.
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Log logx.Logger
}

func (r ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	out := &limitedBuffer{max: maxCapturedOutput}
	cmd.Stderr = out
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = out
	}

	r.Log.Debug("exec", logx.String("cmd", c.Name), logx.Strings("args", c.Args))
	err := cmd.Run()
	if err != nil {
		return out.Bytes(), &CommandError{Cmd: c.Name, Err: err, Output: tail(out.String(), 512)}
	}
	return out.Bytes(), nil
}

// CommandError reports a failed external command with the tail of its output.
type CommandError struct {
	Cmd    string
	Err    error
	Output string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

// limitedBuffer keeps at most max bytes and marks truncation.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
		b.buf.Write(p)
	} else if n > 0 {
		b.truncated = true
	}
	return n, nil
}

func (b *limitedBuffer) Bytes() []byte {
	if !b.truncated {
		return b.buf.Bytes()
	}
	return append(append([]byte(nil), b.buf.Bytes()...), "\n[output truncated]"...)
}

func (b *limitedBuffer) String() string { return string(b.Bytes()) }

// tailWriter remembers the last n bytes written.
type tailWriter struct {
	n   int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.n {
		w.buf = append(w.buf[:0], w.buf[len(w.buf)-w.n:]...)
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
