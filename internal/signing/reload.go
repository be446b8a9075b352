package signing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/mailrice/internal/pkg/logger"
)

// DefaultReloadCommand asks systemd to reload the signing daemon.
var DefaultReloadCommand = []string{"systemctl", "reload", "opendkim"}

// Reloader makes the signing daemon re-read its tables.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader runs an external command.
type CommandReloader struct {
	Args []string
}

// Reload runs the command and includes its output in any error.
func (r CommandReloader) Reload(ctx context.Context) error {
	args := r.Args
	if len(args) == 0 {
		args = DefaultReloadCommand
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SignalReloader sends SIGUSR1 to the pid recorded in PIDFile.
type SignalReloader struct {
	PIDFile string
}

// Reload reads the pid file and signals the process.
func (r SignalReloader) Reload(_ context.Context) error {
	data, err := os.ReadFile(r.PIDFile)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s", r.PIDFile)
	}
	if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// ReloadFunc adapts a function to Reloader.
type ReloadFunc func(ctx context.Context) error

func (f ReloadFunc) Reload(ctx context.Context) error { return f(ctx) }

// Notifier delivers reload requests to a Reloader from a single worker
// goroutine. Requests that arrive while a reload is pending coalesce into
// one; a request that arrives while a reload is running guarantees one more
// run afterwards.
type Notifier struct {
	reloader Reloader
	timeout  time.Duration
	pending  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	// OnResult, if set, is called after every reload attempt.
	OnResult func(err error)
}

// NewNotifier creates a Notifier. Call Start before Notify has any effect.
func NewNotifier(r Reloader, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		reloader: r,
		timeout:  timeout,
		pending:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker.
func (n *Notifier) Start() {
	go n.run()
}

// Notify requests a reload. It never blocks and never fails.
func (n *Notifier) Notify() {
	select {
	case n.pending <- struct{}{}:
	default:
	}
}

// Stop stops the worker after any pending reload has run.
func (n *Notifier) Stop() {
	n.once.Do(func() { close(n.stop) })
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.pending:
			n.reload()
		case <-n.stop:
			select {
			case <-n.pending:
				n.reload()
			default:
			}
			return
		}
	}
}

func (n *Notifier) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	start := time.Now()
	err := n.reloader.Reload(ctx)
	if err != nil {
		logger.Warn("signing daemon reload failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	} else {
		logger.Debug("signing daemon reloaded", "duration_ms", time.Since(start).Milliseconds())
	}
	if n.OnResult != nil {
		n.OnResult(err)
	}
}
