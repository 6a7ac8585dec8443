package server

import (
	"go.uber.org/zap"

	"fixengine/pkg/utils"
)

var log *zap.Logger

// logger returns the shared process logger.
func logger() *zap.Logger {
	if log == nil {
		log = utils.InitLogger()
	}
	return log
}
