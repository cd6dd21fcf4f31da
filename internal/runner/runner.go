// Package runner drives a single external transfer invocation per job. The
// tool contract is small: it is started with the job's target and options on
// argv, emits progress as JSON lines on stdout, and exits zero on success.
// Cancellation is cooperative; the process is signaled and the job manager's
// grace period governs the hard deadline.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/arkhaul/arkhaul/pkg/models"
)

const (
	updateBuffer  = 16
	waitDelay     = 2 * time.Second
	stderrTailMax = 2048
)

// Update is one progress sample from the external tool.
type Update struct {
	TransferredBytes int64
	TotalBytes       int64
}

// Result is the single terminal outcome of a transfer. Err is nil on success;
// Cancelled is set when the run context was cancelled before the tool exited
// on its own.
type Result struct {
	Err       error
	Cancelled bool
}

// Handle tracks one in-flight transfer. Updates closes when the tool stops
// producing output; Done receives exactly one Result.
type Handle struct {
	Updates <-chan Update
	Done    <-chan Result

	cancel context.CancelFunc
	once   sync.Once
}

// NewHandle builds a Handle around existing channels. Alternate Runner
// implementations use this; ToolRunner constructs its own.
func NewHandle(updates <-chan Update, done <-chan Result, cancel context.CancelFunc) *Handle {
	if cancel == nil {
		cancel = func() {}
	}
	return &Handle{Updates: updates, Done: done, cancel: cancel}
}

// Cancel asks the underlying operation to stop. It returns once the process
// has been signaled, not once it has exited, and is safe to call once or more.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

// Runner starts supervised transfers.
type Runner interface {
	Start(ctx context.Context, job *models.Job) (*Handle, error)
}

// ToolRunner invokes an external transfer program once per job.
type ToolRunner struct {
	tool        string
	downloadDir string
}

func NewToolRunner(tool, downloadDir string) *ToolRunner {
	return &ToolRunner{tool: tool, downloadDir: downloadDir}
}

func (r *ToolRunner) Start(ctx context.Context, job *models.Job) (*Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, r.tool, r.buildArgs(job)...)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailMax}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start transfer tool: %w", err)
	}

	updates := make(chan Update, updateBuffer)
	done := make(chan Result, 1)
	h := &Handle{Updates: updates, Done: done, cancel: cancel}

	go func() {
		defer cancel()

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			u, ok := parseProgressLine(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case updates <- u:
			case <-runCtx.Done():
				// Receiver is gone; keep draining so the tool is not
				// blocked on a full pipe while it shuts down.
			}
		}

		waitErr := cmd.Wait()
		close(updates)
		done <- r.result(runCtx, waitErr, stderr)
	}()

	return h, nil
}

func (r *ToolRunner) result(runCtx context.Context, waitErr error, stderr *tailBuffer) Result {
	if runCtx.Err() != nil {
		return Result{Cancelled: true}
	}
	if waitErr == nil {
		return Result{}
	}

	reason := strings.TrimSpace(stderr.String())
	if reason == "" {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			reason = fmt.Sprintf("transfer tool exited with code %d", exitErr.ExitCode())
		} else {
			reason = waitErr.Error()
		}
	}
	return Result{Err: errors.New(reason)}
}

// buildArgs maps the job's target and options snapshot onto the tool's argv.
func (r *ToolRunner) buildArgs(job *models.Job) []string {
	args := []string{job.Kind, job.Identifier}
	args = append(args, job.Files...)

	opts := job.Options
	destDir := opts.DestDir
	if destDir == "" && job.Kind == models.KindDownload {
		destDir = r.downloadDir
	}
	if destDir != "" {
		args = append(args, "--destdir", destDir)
	}
	if opts.Glob != "" {
		args = append(args, "--glob", opts.Glob)
	}
	if opts.Format != "" {
		args = append(args, "--format", opts.Format)
	}
	if opts.SkipExisting {
		args = append(args, "--skip-existing")
	}
	if opts.VerifyChecksum {
		args = append(args, "--checksum")
	}
	if opts.NoDirectories {
		args = append(args, "--no-directories")
	}
	for _, src := range opts.Source {
		args = append(args, "--source", src)
	}
	for k, v := range opts.Metadata {
		args = append(args, "--metadata", k+":"+v)
	}
	return args
}

type progressLine struct {
	TransferredBytes int64 `json:"transferred_bytes"`
	TotalBytes       int64 `json:"total_bytes"`
}

func parseProgressLine(line []byte) (Update, bool) {
	var p progressLine
	if err := json.Unmarshal(line, &p); err != nil {
		return Update{}, false
	}
	if p.TransferredBytes == 0 && p.TotalBytes == 0 {
		return Update{}, false
	}
	return Update{TransferredBytes: p.TransferredBytes, TotalBytes: p.TotalBytes}, true
}

// tailBuffer keeps the last max bytes written to it. Used to bound the stderr
// capture that becomes a failed job's reason string.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
