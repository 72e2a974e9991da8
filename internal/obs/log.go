// Package obs holds the process-wide observability plumbing: the
// structured logger and the Prometheus metric set.
package obs

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide structured logger: one JSON line per
// entry with a timestamp. Debug flips the level.
func NewLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stdout
	l.Formatter = &logrus.JSONFormatter{}
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}
