// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures New.
type Options struct {
	Level      string // logrus level name; empty means info
	Format     string // "text" or "json"
	Rank       int
	WorldSize  int
	RunName    string
	Designated bool
	// AllRanks keeps the configured level on non-designated ranks, which
	// otherwise log warnings and errors only.
	AllRanks bool
	Output   io.Writer
}

// New returns a logger entry tagged with the process rank and run name.
func New(opts Options) (*logrus.Entry, error) {
	logger := logrus.New()
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch opts.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	if !opts.Designated && !opts.AllRanks && level > logrus.WarnLevel {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	fields := logrus.Fields{"rank": opts.Rank}
	if opts.WorldSize > 0 {
		fields["world_size"] = opts.WorldSize
	}
	if opts.RunName != "" {
		fields["run"] = opts.RunName
	}
	return logger.WithFields(fields), nil
}

// Discard returns an entry that drops everything.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
