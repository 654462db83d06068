package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/forgevisor/internal/classify"
	"github.com/loykin/forgevisor/internal/failure"
	"github.com/loykin/forgevisor/internal/logrouter"
	"github.com/loykin/forgevisor/internal/process"
)

const drainTimeout = 2 * time.Second

// Runner executes one stage command at a time and classifies its output.
type Runner struct {
	Classifier *classify.Classifier
	Router     *logrouter.Router
	Category   logrouter.Category // build for stages, git for downloads
	ReleaseDir string
	KillGrace  time.Duration
	Logger     *slog.Logger
}

type tally struct {
	lines     int
	nonBenign int
	toolRule  string
}

// Run executes st to completion or until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, st Stage) Result {
	start := time.Now()
	res := r.run(ctx, st)
	res.Duration = time.Since(start)
	r.report(st, res)
	return res
}

func (r *Runner) run(ctx context.Context, st Stage) Result {
	if err := ctx.Err(); err != nil {
		return r.result(st, Aborted, -1, err)
	}
	if st.WorkDir != "" {
		if fi, err := os.Stat(st.WorkDir); err != nil || !fi.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", st.WorkDir)
			}
			return r.result(st, ToolFailure, -1, fmt.Errorf("working directory: %w", err))
		}
	}
	cmd := process.CommandLine(st.Command)
	if cmd.Err != nil {
		return r.result(st, ToolFailure, -1, fmt.Errorf("spawn: %w", cmd.Err))
	}
	cmd.Dir = st.WorkDir
	if st.Env != nil {
		cmd.Env = st.Env
	}
	process.ConfigureSysProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return r.result(st, ToolFailure, -1, fmt.Errorf("output pipe: %w", err))
	}
	cmd.Stdout, cmd.Stderr = pw, pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return r.result(st, ToolFailure, -1, fmt.Errorf("spawn: %w", err))
	}
	_ = pw.Close()

	var t tally
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		r.scan(pr, st.Name, &t)
	}()
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var waitErr error
	aborted := false
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		aborted = true
		waitErr = r.kill(cmd.Process.Pid, waited)
	}
	select {
	case <-scanned:
	case <-time.After(drainTimeout):
		// A detached grandchild still holds the pipe open.
		_ = pr.Close()
		<-scanned
	}

	if aborted {
		return r.result(st, Aborted, -1, ctx.Err())
	}
	code := 0
	if waitErr != nil {
		var ee *exec.ExitError
		if !errors.As(waitErr, &ee) {
			return r.result(st, ToolFailure, -1, fmt.Errorf("wait: %w", waitErr))
		}
		code = ee.ExitCode()
	}
	if code == 0 {
		res := Result{Outcome: Success, Lines: t.lines}
		if st.Artifact != "" {
			return r.collect(st, res)
		}
		return res
	}
	if t.toolRule != "" {
		res := r.result(st, ToolFailure, code, fmt.Errorf("exit code %d, tool signature %q", code, t.toolRule))
		res.ToolSignature, res.Lines = t.toolRule, t.lines
		return res
	}
	res := r.result(st, SourceFailure, code, fmt.Errorf("exit code %d", code))
	res.BenignOnly = t.nonBenign == 0
	res.Lines = t.lines
	return res
}

func (r *Runner) kill(pid int, waited <-chan error) error {
	grace := r.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	_ = process.SignalGroup(pid, sigTerm)
	select {
	case err := <-waited:
		return err
	case <-time.After(grace):
	}
	_ = process.SignalGroup(pid, sigKill)
	return <-waited
}

func (r *Runner) scan(rd io.ReadCloser, source string, t *tally) {
	defer func() { _ = rd.Close() }()
	_ = process.ReadLines(rd, process.MaxLine, func(line string) {
		v := r.Classifier.Classify(line)
		t.lines++
		if v.Class != classify.Benign {
			t.nonBenign++
		}
		if v.Class == classify.Tool && t.toolRule == "" {
			t.toolRule = v.Rule
		}
		if r.Router != nil {
			lvl, benign := Level(v.Class)
			_ = r.Router.Route(logrouter.Record{Category: r.category(), Source: source, Level: lvl, Benign: benign, Payload: line})
		}
	})
	_, _ = io.Copy(io.Discard, rd)
}

// Level maps a classification to the router's level and benign flag.
func Level(c classify.Class) (logrouter.Level, bool) {
	switch c {
	case classify.Benign:
		return logrouter.LevelInfo, true
	case classify.Info:
		return logrouter.LevelInfo, false
	case classify.Warn:
		return logrouter.LevelWarn, false
	default:
		return logrouter.LevelError, false
	}
}

func (r *Runner) category() logrouter.Category {
	if r.Category == "" {
		return logrouter.Build
	}
	return r.Category
}

func (r *Runner) logPath() string {
	if r.Router == nil {
		return ""
	}
	return r.Router.Path(r.category())
}

func (r *Runner) result(st Stage, o Outcome, code int, err error) Result {
	res := Result{Outcome: o, ExitCode: code}
	var kind failure.Kind
	switch o {
	case ToolFailure:
		kind = failure.ToolFailure
		if len(st.Dependencies) > 0 {
			err = fmt.Errorf("%w (dependencies: %s)", err, strings.Join(st.Dependencies, ", "))
		}
	case SourceFailure:
		kind = failure.SourceFailure
	case Aborted:
		kind = failure.UserAbort
	default:
		return res
	}
	res.Err = failure.New(kind, st.Name, err).WithLog(r.logPath())
	return res
}

// collect copies the artifact into the release dir, preserving its mode.
func (r *Runner) collect(st Stage, res Result) Result {
	fi, err := os.Stat(st.Artifact)
	if err != nil || fi.IsDir() {
		if err == nil {
			err = errors.New("is a directory")
		}
		out := r.result(st, SourceFailure, 0, fmt.Errorf("artifact %s: %w", st.Artifact, err))
		out.Lines = res.Lines
		return out
	}
	dst := filepath.Join(r.ReleaseDir, filepath.Base(st.Artifact))
	if err := copyFile(st.Artifact, dst, fi.Mode().Perm()); err != nil {
		out := r.result(st, ToolFailure, 0, fmt.Errorf("copy artifact: %w", err))
		out.Lines = res.Lines
		return out
	}
	res.Artifact = dst
	return res
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (r *Runner) report(st Stage, res Result) {
	lvl := logrouter.LevelInfo
	msg := fmt.Sprintf("stage %s: %s in %s", st.Name, res.Outcome, res.Duration.Round(time.Millisecond))
	if res.Err != nil {
		msg += ": " + res.Err.Error()
		if !res.BenignOnly && res.Outcome != Aborted {
			lvl = logrouter.LevelError
		}
	}
	if r.Router != nil {
		_ = r.Router.Route(logrouter.Record{Category: r.category(), Source: st.Name, Level: lvl, Payload: msg})
	}
	if r.Logger != nil {
		r.Logger.Debug("stage attempt finished", "stage", st.Name, "outcome", string(res.Outcome),
			"exit_code", res.ExitCode, "lines", res.Lines, "duration", res.Duration)
	}
}
