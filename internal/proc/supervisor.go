// Package proc owns the child processes behind running tasks: spawning,
// suspend/continue signals, graceful kills, and exit reaping.
//
// Each task runs as `<shell> -c <command>` in its own process group so
// signals reach descendants. Exits are reported asynchronously through one
// callback; the package never mutates task state itself.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"shellq/internal/state"
	logx "shellq/pkg/logx"
)

var ErrNotRunning = errors.New("no live process for task")

// ExitFunc receives (task id, outcome) when a child ends. It is called from
// the reaper goroutine; implementations route it into the store's
// single-writer mutation path.
type ExitFunc func(taskID int, f state.Finish)

type Config struct {
	// Shell runs commands as `Shell -c command`. Default "/bin/sh".
	Shell string
	// LogDir receives one capture file per task (stdout+stderr interleaved).
	LogDir string
	// KillGrace is the SIGTERM -> SIGKILL escalation window. Default 5s.
	KillGrace time.Duration
}

type Supervisor struct {
	cfg     Config
	log     logx.Logger
	onExit  ExitFunc
	baseEnv map[string]string

	mu      sync.Mutex
	handles map[int]*handle
	wg      sync.WaitGroup
}

// handle is the owned resource wrapping one child process. The reaper
// goroutine guarantees the process is waited on in every path.
type handle struct {
	taskID int
	cmd    *exec.Cmd
	pgid   int
	logf   *os.File
	done   chan struct{}
}

func New(cfg Config, log logx.Logger, onExit ExitFunc) (*Supervisor, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.LogDir == "" {
		return nil, errors.New("proc: log dir is required")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("proc: create log dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		onExit:  onExit,
		baseEnv: sanitizedBaseEnv(),
		handles: map[int]*handle{},
	}, nil
}

// LogPath returns the capture file for a task, whether or not it is running.
func (s *Supervisor) LogPath(taskID int) string {
	return filepath.Join(s.cfg.LogDir, fmt.Sprintf("task_%d.log", taskID))
}

// Alive reports whether the supervisor currently owns a process for the task.
func (s *Supervisor) Alive(taskID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[taskID]
	return ok
}

// Spawn launches the task's command. It returns an error (and starts
// nothing) when the process cannot be created; the caller records that as a
// failed task, not a daemon fault. On success the exit is reported later via
// the ExitFunc.
func (s *Supervisor) Spawn(t state.Task) error {
	logf, err := os.OpenFile(s.LogPath(t.ID), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}

	cmd := exec.Command(s.cfg.Shell, "-c", t.Command)
	cmd.Dir = t.Dir
	cmd.Env = childEnv(s.baseEnv, t.Env, t.Group, t.WorkerSlot)
	cmd.Stdout = logf
	cmd.Stderr = logf
	// Own process group, so pause/kill signals reach descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		return err
	}

	h := &handle{
		taskID: t.ID,
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		logf:   logf,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.handles[t.ID] = h
	s.mu.Unlock()

	s.log.Info("task started",
		logx.Int("task", t.ID),
		logx.String("group", t.Group),
		logx.Int("slot", t.WorkerSlot),
		logx.Int("pid", cmd.Process.Pid))

	s.wg.Add(1)
	go s.reap(h)
	return nil
}

// reap waits for the child, closes the capture file, and reports the outcome.
func (s *Supervisor) reap(h *handle) {
	defer s.wg.Done()

	err := h.cmd.Wait()
	_ = h.logf.Close()

	s.mu.Lock()
	delete(s.handles, h.taskID)
	s.mu.Unlock()
	close(h.done)

	f := finishFromWait(h.cmd, err)
	s.log.Info("task exited",
		logx.Int("task", h.taskID),
		logx.Int("exit_code", f.ExitCode),
		logx.String("signal", f.Signal))

	if s.onExit != nil {
		s.onExit(h.taskID, f)
	}
}

func finishFromWait(cmd *exec.Cmd, err error) state.Finish {
	ps := cmd.ProcessState
	if ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return state.Finish{Signal: unix.SignalName(unix.Signal(ws.Signal()))}
		}
		if err == nil || ps.Exited() {
			return state.Finish{ExitCode: ps.ExitCode()}
		}
	}
	if err != nil {
		return state.Finish{Reason: err.Error()}
	}
	return state.Finish{}
}

// SignalPause suspends the task's process group (SIGSTOP).
func (s *Supervisor) SignalPause(taskID int) error {
	return s.signalGroup(taskID, unix.SIGSTOP)
}

// SignalResume continues the task's process group (SIGCONT).
func (s *Supervisor) SignalResume(taskID int) error {
	return s.signalGroup(taskID, unix.SIGCONT)
}

// Kill terminates the task's whole process group: SIGTERM first, escalating
// to SIGKILL if the process has not exited within the grace period.
func (s *Supervisor) Kill(taskID int) error {
	s.mu.Lock()
	h, ok := s.handles[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRunning, taskID)
	}

	// A paused group would never handle SIGTERM; wake it first.
	_ = unix.Kill(-h.pgid, unix.SIGCONT)
	if err := unix.Kill(-h.pgid, unix.SIGTERM); err != nil {
		return fmt.Errorf("kill task %d: %w", taskID, err)
	}

	grace := s.cfg.KillGrace
	time.AfterFunc(grace, func() {
		select {
		case <-h.done:
			// Exited within the grace period.
		default:
			s.log.Warn("task ignored SIGTERM; escalating",
				logx.Int("task", taskID), logx.Duration("grace", grace))
			_ = unix.Kill(-h.pgid, unix.SIGKILL)
		}
	})
	return nil
}

func (s *Supervisor) signalGroup(taskID int, sig unix.Signal) error {
	s.mu.Lock()
	h, ok := s.handles[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotRunning, taskID)
	}
	if err := unix.Kill(-h.pgid, sig); err != nil {
		return fmt.Errorf("signal %s task %d: %w", unix.SignalName(sig), taskID, err)
	}
	return nil
}

// WaitIdle blocks until every reaper has finished or the timeout elapses.
// Used on shutdown for bookkeeping only: running children are NOT killed,
// they are orphaned to finish on their own.
func (s *Supervisor) WaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
