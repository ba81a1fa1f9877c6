package logging_test

import (
	"testing"

	"github.com/pullrekun/pullrekun/logging"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logging.LogLevel{
		"debug":   logging.Debug,
		"INFO":    logging.Info,
		"":        logging.Info,
		"warning": logging.Warn,
		" error ": logging.Error,
	}
	for in, exp := range cases {
		lvl, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, exp, lvl, in)
	}

	_, err := logging.ParseLevel("loud")
	require.EqualError(t, err, `invalid log level "loud", must be one of debug, info, warn or error`)
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logging.New("test", "nope")
	require.Error(t, err)
}

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := logging.NewWithZap("pullrekun", logging.Debug, zap.New(core))

	child := log.Named("reconcile").With("pull", 12)
	require.Equal(t, "pullrekun.reconcile", child.Source)

	child.Info("launched on server %d", 3)
	child.Debug("debug line")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "launched on server 3", entries[0].Message)
	require.Equal(t, "pullrekun.reconcile", entries[0].LoggerName)
	require.Equal(t, int64(12), entries[0].ContextMap()["pull"])
}

func TestNoopLogger(t *testing.T) {
	log := logging.NewNoopLogger()
	log.Err("this goes %s", "nowhere")
	log.Named("x").With("k", "v").Warn("still nowhere")
}
