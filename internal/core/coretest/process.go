package coretest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/camrelay/internal/supervisor"
)

// Spawner records specs and returns fake processes.
type Spawner struct {
	Err error

	mu    sync.Mutex
	specs []supervisor.Spec
	procs []*Process
}

var _ supervisor.Spawner = (*Spawner)(nil)

func (s *Spawner) Spawn(ctx context.Context, spec supervisor.Spec) (supervisor.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Process{pid: 1000 + len(s.procs), done: make(chan struct{})}
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *Spawner) Specs() []supervisor.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]supervisor.Spec(nil), s.specs...)
}

func (s *Spawner) Procs() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

// Running counts processes that have not exited.
func (s *Spawner) Running() int {
	n := 0
	for _, p := range s.Procs() {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

type Process struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	killed atomic.Bool
	err    error
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Killed() bool          { return p.killed.Load() }
func (p *Process) ExitErr() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() {
	p.killed.Store(true)
	p.once.Do(func() { close(p.done) })
}

// Exit simulates the process ending on its own.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
