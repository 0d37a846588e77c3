// Package supervisor spawns and force-terminates external transcoder processes.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGrace = time.Second
	redacted     = "redacted"
)

var ErrEmptyCommand = errors.New("supervisor: empty command")

// Spec describes a process to run. Path falls back to the supervisor's binary.
type Spec struct {
	Name string
	Path string
	Args []string
}

// Handle is a running process as seen by its owner.
type Handle interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr is the result of Wait, valid after Done is closed.
	ExitErr() error
	// Killed reports whether the exit was requested through Kill.
	Killed() bool
	// Kill sends SIGKILL and waits for the exit at most for the grace period.
	Kill()
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// Supervisor starts processes with a shared default binary and kill grace.
type Supervisor struct {
	Binary string
	Grace  time.Duration
}

func New(binary string, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{Binary: binary, Grace: grace}
}

type Process struct {
	name   string
	cmd    *exec.Cmd
	grace  time.Duration
	done   chan struct{}
	err    error
	killed atomic.Bool
	once   sync.Once
	logger zerolog.Logger
}

// Spawn starts the process. The process is not bound to ctx: it lives until
// Kill is called or it exits on its own.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	path := spec.Path
	if path == "" {
		path = s.Binary
	}
	if path == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := log.With().Str("module", "supervisor").Str("proc", spec.Name).Logger()

	cmd := exec.Command(path, spec.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	logger.Info().Str("cmd", commandLine(path, spec.Args)).Msg("spawn")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", spec.Name, err)
	}

	p := &Process{
		name:   spec.Name,
		cmd:    cmd,
		grace:  s.Grace,
		done:   make(chan struct{}),
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go p.pipeLog(stderr)
	return p, nil
}

// commandLine renders the command for logs with URL credentials hidden.
func commandLine(path string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, path)
	for _, a := range args {
		parts = append(parts, redactURL(a))
	}
	return strings.Join(parts, " ")
}

var userinfo = regexp.MustCompile(`://[^/\s@'"]+@`)

func redactURL(arg string) string {
	if !strings.Contains(arg, "://") {
		return arg
	}
	if u, err := url.Parse(arg); err == nil && u.User != nil {
		u.User = url.User(redacted)
		return u.String()
	}
	return userinfo.ReplaceAllString(arg, "://"+redacted+"@")
}

// pipeLog drains stderr, then reaps the process. Wait must not run before the
// pipe is fully read.
func (p *Process) pipeLog(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			p.logger.Debug().Msg(redactURL(line))
		}
	}
	p.err = p.cmd.Wait()
	ev := p.logger.Info()
	if p.err != nil && !p.killed.Load() {
		ev = p.logger.Warn().Err(p.err)
	}
	ev.Bool("killed", p.killed.Load()).Msg("exited")
	close(p.done)
}

func (p *Process) Pid() int              { return p.cmd.Process.Pid }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Killed() bool          { return p.killed.Load() }
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Process) Kill() {
	p.once.Do(func() {
		p.killed.Store(true)
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Warn().Err(err).Msg("kill")
			return
		}
		t := time.NewTimer(p.grace)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			p.logger.Warn().Dur("grace", p.grace).Msg("exit not observed within grace, giving up")
		}
	})
}
