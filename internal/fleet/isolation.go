package fleet

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/imgharvest/internal/category"
	"github.com/JakeFAU/imgharvest/internal/crawler"
)

// InProcessRunner runs categories on the calling goroutine and turns a panic
// into a Fail report.
type InProcessRunner struct {
	Runner CategoryRunner
	Logger *zap.Logger
}

// Run implements CategoryRunner.
func (r InProcessRunner) Run(ctx context.Context, c category.Category) (rep crawler.Report, err error) {
	defer func() {
		if p := recover(); p != nil {
			if r.Logger != nil {
				r.Logger.Error("category run panicked", zap.String("category", c.ID), zap.Any("panic", p), zap.Stack("stack"))
			}
			rep = crawler.Report{Outcome: crawler.OutcomeFail}
			err = fmt.Errorf("category %s panicked: %v", c.ID, p)
		}
	}()
	return r.Runner.Run(ctx, c)
}

// ProcessRunner runs each category in a child process:
// `<Executable> <Args...> --index <i>`. The child prints one JSON report line
// on stdout. A non-zero exit or unreadable output is a Fail.
type ProcessRunner struct {
	Executable string
	Args       []string
	Env        []string
	// Stderr receives the child's logs; nil discards them.
	Stderr io.Writer
}

// Run implements CategoryRunner.
func (p ProcessRunner) Run(ctx context.Context, c category.Category) (crawler.Report, error) {
	args := append(slices.Clone(p.Args), "--index", strconv.Itoa(c.Index))
	cmd := exec.CommandContext(ctx, p.Executable, args...)
	if p.Env != nil {
		cmd.Env = p.Env
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = p.Stderr
	if err := cmd.Run(); err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail}, fmt.Errorf("category %s child: %w", c.ID, err)
	}
	rep, err := ParseReport(stdout.Bytes())
	if err != nil {
		return crawler.Report{Outcome: crawler.OutcomeFail}, fmt.Errorf("category %s child: %w", c.ID, err)
	}
	return rep, nil
}

// ErrNoReport is returned when child output holds no report line.
var ErrNoReport = errors.New("no report in child output")

// ParseReport decodes the last non-empty line of out as a Report.
func ParseReport(out []byte) (crawler.Report, error) {
	var last []byte
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := sc.Err(); err != nil {
		return crawler.Report{}, fmt.Errorf("scan child output: %w", err)
	}
	if last == nil {
		return crawler.Report{}, ErrNoReport
	}
	var raw struct {
		Outcome string `json:"outcome"`
		Count   int    `json:"count"`
	}
	if err := json.Unmarshal(last, &raw); err != nil {
		return crawler.Report{}, fmt.Errorf("decode report: %w", err)
	}
	outcome, err := crawler.ParseOutcome(raw.Outcome)
	if err != nil {
		return crawler.Report{}, err
	}
	return crawler.Report{Outcome: outcome, Count: raw.Count}, nil
}
