package process

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"lsp-probe/internal/common"
	"lsp-probe/internal/constants"
	"lsp-probe/internal/errors"
	"lsp-probe/internal/types"
)

// ServerProcess owns a spawned peer process and its three standard streams.
// The inbound pipe and buffered outbound reader belong to exactly one caller;
// stderr is drained continuously in the background so an eagerly-tracing peer
// can never block the request/response path.
type ServerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	reader *bufio.Reader

	diagMu sync.Mutex
	diag   bytes.Buffer

	closeOnce sync.Once

	reapOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

// Spawn launches the peer executable with the given arguments, working
// directory and explicit environment overrides, capturing all three standard
// streams. Fails with a SpawnError when the executable is missing or cannot
// be started.
func Spawn(config types.SpawnConfig) (*ServerProcess, error) {
	cmd := exec.Command(config.Command, config.Args...)

	if config.WorkingDir != "" {
		cmd.Dir = config.WorkingDir
	} else if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	}

	if len(config.Env) > 0 {
		env := os.Environ()
		for k, v := range config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	sp := &ServerProcess{
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}

	var err error
	sp.stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewSpawnError(config.Command, err)
	}

	sp.stdout, err = cmd.StdoutPipe()
	if err != nil {
		sp.stdin.Close()
		return nil, errors.NewSpawnError(config.Command, err)
	}

	sp.stderr, err = cmd.StderrPipe()
	if err != nil {
		sp.stdin.Close()
		sp.stdout.Close()
		return nil, errors.NewSpawnError(config.Command, err)
	}

	if err := cmd.Start(); err != nil {
		sp.closePipes()
		return nil, errors.NewSpawnError(config.Command, err)
	}

	sp.reader = bufio.NewReaderSize(sp.stdout, constants.ResponseBufferSize)
	go sp.drainStderr()

	common.ProbeLogger.Debug("Spawned peer process %s: PID %d", config.Command, cmd.Process.Pid)
	return sp, nil
}

// WriteAll writes the whole byte slice to the peer's stdin, retrying partial
// writes until everything is flushed or the pipe closes.
func (sp *ServerProcess) WriteAll(data []byte) error {
	for len(data) > 0 {
		n, err := sp.stdin.Write(data)
		if err != nil {
			return errors.NewWriteError(err)
		}
		data = data[n:]
	}
	return nil
}

// Reader returns the buffered reader over the peer's stdout. There is exactly
// one reader; callers must not read concurrently.
func (sp *ServerProcess) Reader() *bufio.Reader {
	return sp.reader
}

// DrainDiagnostics returns whatever the peer wrote to stderr so far. Used for
// post-mortem reporting only, never for protocol decisions.
func (sp *ServerProcess) DrainDiagnostics() string {
	sp.diagMu.Lock()
	defer sp.diagMu.Unlock()
	return sp.diag.String()
}

// Wait blocks until the peer exits and returns its exit code, failing with a
// WaitTimeoutError when the bound passes first.
func (sp *ServerProcess) Wait(timeout time.Duration) (int, error) {
	sp.reap()

	select {
	case <-sp.waitDone:
		if state := sp.cmd.ProcessState; state != nil {
			return state.ExitCode(), nil
		}
		return -1, sp.waitErr
	case <-time.After(timeout):
		return -1, errors.NewWaitTimeoutError(timeout)
	}
}

// Terminate stops the peer and reclaims its resources. Idempotent: safe to
// call on every exit path, including after a clean Wait. Cleanup order is
// kill, close pipes, bounded reap.
func (sp *ServerProcess) Terminate() {
	sp.closeOnce.Do(func() {
		if sp.cmd.Process != nil && sp.cmd.ProcessState == nil {
			if err := sp.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
				common.ProbeLogger.Debug("Failed to kill peer process: %v", err)
			}
		}

		sp.closePipes()

		sp.reap()
		select {
		case <-sp.waitDone:
		case <-time.After(constants.ProcessShutdownTimeout):
			common.ProbeLogger.Warn("Peer did not release within %v after kill", constants.ProcessShutdownTimeout)
		}
	})
}

// reap ensures cmd.Wait is called exactly once
func (sp *ServerProcess) reap() {
	sp.reapOnce.Do(func() {
		go func() {
			sp.waitErr = sp.cmd.Wait()
			close(sp.waitDone)
		}()
	})
}

// closePipes closes stdin and stdout; the stderr pipe is released when the
// process is reaped, which also unblocks the drain goroutine.
func (sp *ServerProcess) closePipes() {
	if sp.stdin != nil {
		sp.stdin.Close()
	}
	if sp.stdout != nil {
		sp.stdout.Close()
	}
}

// drainStderr accumulates peer stderr into the diagnostics buffer, dropping
// bytes beyond the retention cap while keeping the pipe flowing.
func (sp *ServerProcess) drainStderr() {
	buf := make([]byte, 4096)
	for {
		n, err := sp.stderr.Read(buf)
		if n > 0 {
			sp.diagMu.Lock()
			if sp.diag.Len() < constants.DiagnosticsLimit {
				remain := constants.DiagnosticsLimit - sp.diag.Len()
				if n > remain {
					sp.diag.Write(buf[:remain])
				} else {
					sp.diag.Write(buf[:n])
				}
			}
			sp.diagMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}
