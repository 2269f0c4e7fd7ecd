package audit

import "github.com/sirupsen/logrus"

var log logrus.FieldLogger = logrus.New().WithField("logger", "lwgsm/audit")

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}
