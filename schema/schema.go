// Package schema copies a template database schema onto a staging
// server's own schema.
package schema

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/config"
)

// Cloner drops target and recreates it as a copy of source.
type Cloner interface {
	Clone(ctx context.Context, source string, target string) error
}

// ScriptCloner runs an operator provided script as
//
//	<script> <source> <target> <user> <password> <host> <port>
//
// and waits for it to exit.
type ScriptCloner struct {
	Script string
	MySQL  config.MySQLConfig
}

// New returns a cloner for the script and database credentials in cfg.
func New(cfg config.Config) *ScriptCloner {
	return &ScriptCloner{Script: cfg.Clone.Script, MySQL: cfg.MySQL}
}

func (s *ScriptCloner) Clone(ctx context.Context, source string, target string) error {
	if source == "" || target == "" {
		return errors.Errorf("cloning schema %q onto %q: both schemas must be set", source, target)
	}
	cmd := exec.CommandContext(ctx, s.Script, // nolint: gosec
		source,
		target,
		s.MySQL.User,
		s.MySQL.Password,
		s.MySQL.Host,
		strconv.Itoa(s.MySQL.Port),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "running %s: %s", s.Script, strings.TrimSpace(string(out)))
	}
	return nil
}
