// Package callback expands and runs the optional done-callback (§4.10):
// a shell command templated with fields from the finished task, spawned
// through the same shell used for tasks, fire-and-forget.
package callback

import (
	"os/exec"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/metrics"
	"github.com/pueue-rs/pueued-go/internal/task"
)

// Context carries every field the callback template may substitute.
type Context struct {
	Task          *task.Task
	EnqueuedCount int
	StashedCount  int
	LastLogLines  string
}

// Runner expands a template and spawns it through shell.
type Runner struct {
	shell    []string
	template string
}

func New(shell []string, tmpl string) *Runner {
	if len(shell) == 0 {
		shell = []string{"sh", "-c"}
	}
	return &Runner{shell: shell, template: tmpl}
}

// Enabled reports whether a callback template was configured.
func (r *Runner) Enabled() bool {
	return strings.TrimSpace(r.template) != ""
}

// Run expands the template against ctx and spawns it, not waiting for or
// tracking the child; its output is discarded (§4.10).
func (r *Runner) Run(ctx Context) error {
	if !r.Enabled() {
		return nil
	}

	expanded, err := Expand(r.template, ctx)
	if err != nil {
		metrics.RecordCallback("expand_failed")
		return err
	}

	args := append(append([]string{}, r.shell[1:]...), expanded)
	cmd := exec.Command(r.shell[0], args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		metrics.RecordCallback("spawn_failed")
		logger.Error().Err(err).Uint64("task_id", uint64(ctx.Task.ID)).Msg("failed to spawn callback")
		return err
	}

	go func() {
		_ = cmd.Wait()
	}()

	metrics.RecordCallback("ok")
	return nil
}

// Expand substitutes the spec's callback placeholders into tmpl.
func Expand(tmpl string, ctx Context) (string, error) {
	t := ctx.Task

	fields := map[string]string{
		"id":             strconv.FormatUint(uint64(t.ID), 10),
		"command":        t.Command,
		"path":           t.Path,
		"group":          t.Group,
		"start":          formatTime(t.Status.Start),
		"end":            formatTime(t.Status.End),
		"result":         resultName(t),
		"exit_code":      exitCode(t),
		"enqueued_count": strconv.Itoa(ctx.EnqueuedCount),
		"stashed_count":  strconv.Itoa(ctx.StashedCount),
		"log":            ctx.LastLogLines,
	}

	tpl, err := template.New("callback").Delims("{{", "}}").Parse(rewrite(tmpl))
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if err := tpl.Execute(&buf, fields); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// rewrite turns the spec's bare {{field}} placeholders into text/template's
// {{index . "field"}} map-index form.
func rewrite(tmpl string) string {
	var out strings.Builder
	for {
		start := strings.Index(tmpl, "{{")
		if start < 0 {
			out.WriteString(tmpl)
			break
		}
		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			out.WriteString(tmpl)
			break
		}
		end += start
		out.WriteString(tmpl[:start])
		name := strings.TrimSpace(tmpl[start+2 : end])
		out.WriteString("{{index . \"" + name + "\"}}")
		tmpl = tmpl[end+2:]
	}
	return out.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func resultName(t *task.Task) string {
	if t.Status.Result == nil {
		return ""
	}
	return t.Status.Result.Kind.String()
}

func exitCode(t *task.Task) string {
	if t.Status.Result == nil || t.Status.Result.Kind != task.ResultFailed {
		return ""
	}
	return strconv.Itoa(t.Status.Result.ExitCode)
}
