// Package bootstrap walks an operator through checking a fresh install:
// credentials, the clone script, the ledger and the server inventory.
package bootstrap

import (
	"context"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mitchellh/colorstring"
	"github.com/pkg/errors"
)

var bootstrapDescription = `[white]Welcome to pullre-kun bootstrap!

This mode checks that everything pullre-kun needs is in place. We will
- sign in to GitHub with your user and token
- exchange the GitHub App key for an installation token
- look for the schema clone script
- open the ledger and seed your staging servers and users

[underline]Press Ctrl-c at any time to exit
`

// Step is one check. Optional steps only print a warning when they fail.
type Step struct {
	Name     string
	Optional bool
	// Run returns a short line describing what it found.
	Run func(ctx context.Context) (string, error)
}

// Bootstrapper runs steps in order and stops at the first required
// failure.
type Bootstrapper struct {
	Out     io.Writer
	Steps   []Step
	Spinner bool
}

// Start runs every step.
func (b *Bootstrapper) Start(ctx context.Context) error {
	var s *spinner.Spinner
	if b.Spinner {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(b.Out))
	}
	colorstring.Fprintln(b.Out, bootstrapDescription)

	warnings := 0
	for _, step := range b.Steps {
		colorstring.Fprintf(b.Out, "[white]=> %s ", step.Name)
		if s != nil {
			s.Start()
		}
		detail, err := step.Run(ctx)
		if s != nil {
			s.Stop()
		}
		if err != nil {
			if !step.Optional {
				colorstring.Fprintf(b.Out, "\n[red]=> %s failed: %s\n", step.Name, err)
				return errors.Wrap(err, step.Name)
			}
			warnings++
			colorstring.Fprintf(b.Out, "\n[yellow]=> %s: %s\n", step.Name, err)
			continue
		}
		colorstring.Fprintf(b.Out, "\n[green]=> %s\n", detail)
	}

	if warnings > 0 {
		colorstring.Fprintf(b.Out, "\n[yellow]finished with %d warnings. ", warnings)
	} else {
		colorstring.Fprint(b.Out, "\n[green]all set! ")
	}
	colorstring.Fprintln(b.Out, "[white]run [bold]pullrekun server[reset][white] to start reconciling.")
	return nil
}
