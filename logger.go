package vmcs

import "github.com/sirupsen/logrus"

var log = logrus.WithField("source", "vmcs")

// SetLogger sets the logger used by the checker and stores.
func SetLogger(logger *logrus.Entry) {
	fields := log.Data
	log = logger.WithFields(fields)
}
