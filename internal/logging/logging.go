// Package logging wraps logrus with the one entry point every component of
// the core uses, tagging each logger with its owning component so scheduler,
// handler, and replication log lines stay attributable under concurrent load.
package logging

import "github.com/sirupsen/logrus"

// Entry is the logger handle components hold onto; an alias so callers
// never need to import logrus directly just to spell the field type.
type Entry = logrus.Entry

// New returns a component-tagged logger. Callers hold onto the returned
// entry and log through it rather than through the package-level logrus
// singleton, so log fields never leak across components.
func New(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}

// SetLevel adjusts the process-wide log level; exposed for the CLI's
// --log-level flag.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

func init() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
