package core

import "github.com/sirupsen/logrus"

// Package-level component loggers, one per subsystem, following a
// "logger var + setter" shape so callers can redirect output (tests
// silence it, daemons attach a file hook) without threading a logger
// through every constructor.
var (
	parseLog    = logrus.WithField("component", "parser")
	identityLog = logrus.WithField("component", "identity")
	resolveLog  = logrus.WithField("component", "resolver")
	verifyLog   = logrus.WithField("component", "verify")
	fanoutLog   = logrus.WithField("component", "fanout")
	dedupLog    = logrus.WithField("component", "dedup")
	archiveLog  = logrus.WithField("component", "archive")
	relayLog    = logrus.WithField("component", "relay")
)

// SetLogLevel adjusts the package-wide logrus level. Exposed so CLI entry
// points can wire `--verbose` without importing logrus directly.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
