// Package enumerate discovers supervised editor processes. The default
// source shells out to pgrep; richer window discovery belongs to the
// platform accessibility helper, so each process is reported with its main
// window.
package enumerate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"warden/internal/model"
	"warden/internal/run"
)

type ProcessSource struct {
	argv   []string
	runner run.Runner
}

func NewProcessSource(argv []string) *ProcessSource {
	return &ProcessSource{argv: argv, runner: run.OSRunner{}}
}

func NewProcessSourceWithRunner(argv []string, runner run.Runner) *ProcessSource {
	return &ProcessSource{argv: argv, runner: runner}
}

// Instances runs the enumeration command and parses "pid name" lines. An
// exit status of 1 means no matching processes, not an error.
func (s *ProcessSource) Instances(ctx context.Context) ([]model.MonitoredInstance, error) {
	name, args, err := run.Split(s.argv)
	if err != nil {
		return nil, fmt.Errorf("enumerate command: %w", err)
	}
	out, err := s.runner.Run(ctx, name, args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	return parseProcessList(string(out))
}

func parseProcessList(out string) ([]model.MonitoredInstance, error) {
	var instances []model.MonitoredInstance
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pidField, rest, _ := strings.Cut(line, " ")
		pid, err := strconv.Atoi(pidField)
		if err != nil {
			return nil, fmt.Errorf("parse process line %q: %w", line, err)
		}
		displayName := strings.TrimSpace(rest)
		if displayName == "" {
			displayName = fmt.Sprintf("pid %d", pid)
		}
		instances = append(instances, model.MonitoredInstance{
			PID:         pid,
			DisplayName: displayName,
			Status:      model.Unknown(),
			Windows: []model.MonitoredWindow{
				{ID: model.WindowID(pid, "main"), Title: displayName},
			},
		})
	}
	return instances, nil
}
