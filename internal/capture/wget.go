// Package capture runs the download tool against a job's target. The tool runs as a
// dedicated user whose traffic the interception proxy redirects, so every fetched byte
// passes through the proxy.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/job"
)

// Defaults for the compiled-in download command.
const (
	DefaultBinary = "wget"
	DefaultRunAs  = "proxy_client"
	waitDelay     = 10 * time.Second
)

// exitNames documents the download tool's exit codes.
var exitNames = map[int]string{
	0: "No problems occurred",
	1: "Generic error code",
	2: "Parse error",
	3: "File I/O error",
	4: "Network failure",
	5: "SSL verification failure",
	6: "Username/password authentication failure",
	7: "Protocol errors",
	8: "Server issued an error response",
}

// markers select output lines worth surfacing to the operational log.
var markers = []string{"Saving to:", "saved", "FINISHED", "Downloaded"}

// ExitName returns the documented meaning of a download tool exit code.
func ExitName(code int) string {
	if name, ok := exitNames[code]; ok {
		return name
	}
	return "Unknown exit code"
}

// IsErrorCode reports the exit codes that mean the tool itself misbehaved rather than the
// target. They are logged as errors; the capture still proceeds to packaging.
func IsErrorCode(code int) bool {
	return code == 1 || code == 3
}

// Result describes one finished run.
type Result struct {
	ExitCode int
	ExitName string
	TimedOut bool
	Lines    int
	Duration time.Duration
}

// Wget invokes the download tool, optionally through sudo as the proxied user.
type Wget struct {
	Binary string
	// RunAs is the proxied account. Empty runs the tool as the current user.
	RunAs  string
	logger *zap.Logger
}

// New returns a Wget with the default binary and account.
func New(logger *zap.Logger) *Wget {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Wget{Binary: DefaultBinary, RunAs: DefaultRunAs, logger: logger.Named("capture")}
}

// Args builds the download tool options for d. Certificate checks are off because the
// interception proxy presents its own locally trusted certificate.
func Args(d job.Descriptor, saveDir string) []string {
	ua, _ := job.UserAgentFor(d.UserAgent)
	ipFlag := "--inet4-only"
	if d.IPVersion == job.IPv6 {
		ipFlag = "--inet6-only"
	}
	args := []string{
		ipFlag,
		"--no-check-certificate",
		"--directory-prefix=" + saveDir,
		"--force-directories",
		"-e", "robots=off",
		"--user-agent=" + ua,
	}
	switch d.Mode {
	case job.ModeRecursive:
		args = append(args, "--recursive", "--level="+strconv.Itoa(d.RecursionLevel))
	default:
		args = append(args, "--page-requisites", "--span-hosts")
	}
	return append(args, d.URL)
}

// Command returns the executable and full argument list for d.
func (w *Wget) Command(d job.Descriptor, saveDir string) (string, []string) {
	args := Args(d, saveDir)
	if w.RunAs == "" {
		return w.Binary, args
	}
	return "sudo", append([]string{"-u", w.RunAs, w.Binary}, args...)
}

// Run executes the download tool, appending every output line to logPath. A non-zero exit
// is reported in Result, not as an error; only a failure to run the tool at all is an error.
func (w *Wget) Run(ctx context.Context, d job.Descriptor, saveDir, logPath string) (Result, error) {
	name, args := w.Command(d, saveDir)
	logger := w.logger.With(zap.String("job_id", d.ID))
	logger.Debug("download command", zap.String("binary", name), zap.Strings("args", args))

	// #nosec G304 -- log path is built by the worker from its fixed job root.
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return Result{}, fmt.Errorf("open capture log: %w", err)
	}
	defer logFile.Close()

	// #nosec G204 -- arguments derive from a validated descriptor and fixed options.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("capture stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start download tool: %w", err)
	}

	res := Result{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		res.Lines++
		if _, err := fmt.Fprintln(logFile, line); err != nil {
			logger.Warn("write capture log failed", zap.Error(err))
		}
		if surfaced(line) {
			logger.Info("download output", zap.String("line", strings.TrimSpace(line)))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read download output failed", zap.Error(err))
	}

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait for download tool: %w", waitErr)
	}
	if ctx.Err() != nil {
		res.TimedOut = true
	}
	res.ExitName = ExitName(res.ExitCode)
	return res, nil
}

func surfaced(line string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
