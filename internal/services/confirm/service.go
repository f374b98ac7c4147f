// Package confirm asks the operator to approve a dump or restore before it runs.
package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/fgeck/pgback/internal/models"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Request describes the operation awaiting confirmation.
type Request struct {
	Action      models.Action
	Target      models.ConnectionDescriptor
	Policy      models.OperationPolicy
	ArchivePath string
}

// Service defines the interface for operator confirmation.
type Service interface {
	Confirm(ctx context.Context, req Request, assumeYes bool) error
}

// Impl implements the confirm Service interface.
type Impl struct {
	in     io.Reader
	out    io.Writer
	logger zerolog.Logger

	title *color.Color
	label *color.Color
	warn  *color.Color
}

// New creates a gate reading stdin and prompting on stderr, colored when stderr is a terminal.
func New(logger zerolog.Logger) *Impl {
	fd := os.Stderr.Fd()
	colorize := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return newImpl(logger, os.Stdin, os.Stderr, colorize)
}

// NewWithIO creates a gate with custom input and output (for testing). Output is never colored.
func NewWithIO(logger zerolog.Logger, in io.Reader, out io.Writer) *Impl {
	return newImpl(logger, in, out, false)
}

func newImpl(logger zerolog.Logger, in io.Reader, out io.Writer, colorize bool) *Impl {
	s := &Impl{
		in:     in,
		out:    out,
		logger: logger,
		title:  color.New(color.FgHiYellow, color.Bold),
		label:  color.New(color.FgCyan),
		warn:   color.New(color.FgHiRed),
	}
	for _, c := range []*color.Color{s.title, s.label, s.warn} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Confirm prints the planned operation and blocks until the operator answers.
// Only "yes" proceeds; any other answer, end of input or cancellation returns
// models.ErrUserDeclined. With assumeYes the prompt is skipped.
func (s *Impl) Confirm(ctx context.Context, req Request, assumeYes bool) error {
	if assumeYes {
		s.logger.Info().
			Str("action", string(req.Action)).
			Str("target", req.Target.Masked()).
			Msg("confirmation suppressed")
		return nil
	}

	s.printSummary(req)
	_, _ = fmt.Fprint(s.out, "Type 'yes' to continue: ")

	answer, err := s.readAnswer(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(s.out)
		s.logger.Warn().Err(err).Msg("no confirmation received")
		return models.ErrUserDeclined
	}

	if !strings.EqualFold(answer, "yes") {
		s.logger.Warn().Str("answer", answer).Msg("operation declined")
		return models.ErrUserDeclined
	}

	s.logger.Debug().Msg("operation confirmed")
	return nil
}

func (s *Impl) printSummary(req Request) {
	verb := "DUMP from"
	if req.Action == models.ActionRestore {
		verb = "RESTORE into"
	}

	_, _ = s.title.Fprintf(s.out, "About to %s %s\n", verb, req.Target.Masked())
	s.row("database", req.Target.Database)

	switch req.Action {
	case models.ActionDump:
		scope := "entire database"
		if req.Policy.SchemaFilter != "" {
			scope = "schema " + req.Policy.SchemaFilter
		}
		s.row("scope", scope)
		s.row("archive", req.ArchivePath)
		if req.Policy.NoPrivileges {
			s.row("privileges", "not dumped")
		}

	case models.ActionRestore:
		s.row("archive", req.ArchivePath)
		if req.Policy.IgnoreOwnership {
			s.row("ownership", "stripped")
		} else {
			s.row("ownership", "preserved from archive")
		}
		if req.Policy.ForceRole != "" {
			s.row("force role", req.Policy.ForceRole)
		}
		if req.Policy.HasRename() {
			s.row("schema rename", req.Policy.SchemaRenameFrom+" -> "+req.Policy.SchemaRenameTo)
		}
		if req.Policy.NoPrivileges {
			s.row("privileges", "not restored")
		}
		_, _ = s.warn.Fprintln(s.out, "Objects in the target database will be created or modified.")
	}
}

func (s *Impl) row(name, value string) {
	_, _ = s.label.Fprintf(s.out, "  %-14s", name+":")
	_, _ = fmt.Fprintln(s.out, value)
}

type answer struct {
	text string
	err  error
}

// readAnswer reads one line, giving up when ctx is done.
func (s *Impl) readAnswer(ctx context.Context) (string, error) {
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(s.in).ReadString('\n')
		text := strings.TrimSpace(line)
		if err != nil && text == "" {
			ch <- answer{err: err}
			return
		}
		ch <- answer{text: text}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		return a.text, a.err
	}
}
