package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"
)

// spawnPTY starts the agent binary attached to a fresh pseudo-terminal
// sized per the config.
func spawnPTY(cfg Config, env []string) (terminal, procHandle, error) {
	cmd := exec.Command(cfg.AgentPath, cfg.Args...) // #nosec G204 -- agent path comes from operator config
	cmd.Env = env
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return nil, nil, err
	}
	return ptmx, &osProc{cmd: cmd}, nil
}

type osProc struct {
	cmd *exec.Cmd
}

func (p *osProc) Wait() error {
	return p.cmd.Wait()
}

func (p *osProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// watchSentinel arms a filesystem watcher on the readiness sentinel's
// directory and returns a channel that pulses on events there. The caller
// still confirms existence; the watcher only wakes the poll loop early.
// Returns a nil channel (never ready) when no sentinel is configured or
// the watcher cannot start.
func (s *Supervisor) watchSentinel(ctx context.Context) <-chan struct{} {
	if s.cfg.ReadySentinel == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Debug("sentinel watcher unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(filepath.Dir(s.cfg.ReadySentinel)); err != nil {
		s.logger.Debug("sentinel watch failed", "error", err)
		_ = watcher.Close()
		return nil
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == s.cfg.ReadySentinel {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			case <-watcher.Errors:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
