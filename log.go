// SPDX-License-Identifier: MIT
//
// Copyright © 2023 Silicon Laboratories Inc.

package bridge

import (
	prefixed "github.com/BertoldVdb/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the bridge logger with millisecond timestamps.
func NewLogger(level logrus.Level) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)

	formatter := new(prefixed.TextFormatter)
	formatter.TimestampFormat = "2006-01-02 15:04:05.000"
	formatter.FullTimestamp = true
	logger.SetFormatter(formatter)

	return logrus.NewEntry(logger)
}
