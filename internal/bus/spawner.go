package bus

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/happyfox/sissybot/internal/logging"
)

// Process is a running worker as seen from the owner.
type Process interface {
	// Commands is the owner to worker stream. Closing it is the shutdown
	// signal.
	Commands() io.WriteCloser
	// Events is the worker to owner stream.
	Events() io.Reader
	Wait() error
	Kill() error
}

// Spawner starts a worker connected to the bus at address.
type Spawner interface {
	Spawn(address string) (Process, error)
}

// ExecSpawner runs the worker as a child process. The child speaks the bus
// protocol on stdin and stdout and logs to stderr.
type ExecSpawner struct {
	// Path defaults to the running executable.
	Path string
	// Args precede "--address <addr>"; defaults to the busproxy subcommand.
	Args   []string
	Env    []string
	Stderr io.Writer
}

func (s ExecSpawner) Spawn(address string) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("bus: resolve executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"busproxy"}
	}
	args = append(append([]string(nil), args...), "--address", address)

	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bus: worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bus: worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bus: start worker %s: %w", path, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Commands() io.WriteCloser { return p.stdin }
func (p *execProcess) Events() io.Reader        { return p.stdout }

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// InProcessSpawner runs the worker on a goroutine over in-memory pipes.
type InProcessSpawner struct {
	Config WorkerConfig
	Log    logging.Sink
}

func (s InProcessSpawner) Spawn(address string) (Process, error) {
	cfg := s.Config
	cfg.Address = address
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeProcess{
		cmdR:   cmdR,
		cmdW:   cmdW,
		evR:    evR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		p.err = NewWorker(cfg, s.Log).Run(ctx, cmdR, evW)
		_ = evW.Close()
		_ = cmdR.Close()
	}()
	return p, nil
}

type pipeProcess struct {
	cmdR   *io.PipeReader
	cmdW   *io.PipeWriter
	evR    *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *pipeProcess) Commands() io.WriteCloser { return p.cmdW }
func (p *pipeProcess) Events() io.Reader        { return p.evR }

func (p *pipeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *pipeProcess) Kill() error {
	p.cancel()
	_ = p.cmdR.CloseWithError(io.ErrClosedPipe)
	_ = p.evR.CloseWithError(io.ErrClosedPipe)
	return nil
}
