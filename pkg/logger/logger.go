package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Init configures the process-wide logger. Unknown levels fall back to info,
// unknown formats to text.
func Init(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stdout)
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return log.WithFields(fields)
}

func WithError(err error) *logrus.Entry {
	return log.WithError(err)
}

func Debugf(format string, args ...any) { log.Debugf(format, args...) }

func Infof(format string, args ...any) { log.Infof(format, args...) }

func Warnf(format string, args ...any) { log.Warnf(format, args...) }

func Errorf(format string, args ...any) { log.Errorf(format, args...) }

func Fatalf(format string, args ...any) { log.Fatalf(format, args...) }
