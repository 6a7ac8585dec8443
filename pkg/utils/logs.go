package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the process logger. Production mode emits JSON;
// anything else gets the colored development console.
func InitLogger() *zap.Logger {
	if os.Getenv("NODE_ENV") == "production" {
		return zap.Must(zap.NewProduction())
	}
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.Must(config.Build())
}
