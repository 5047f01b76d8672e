// Package logging configures the global zerolog logger for the try-on
// Lambdas and CLI.
package logging

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
// TRYON_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
func Init() {
	level := os.Getenv("TRYON_LOG_LEVEL")
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// LogStartup emits a single structured event summarising the cold-start
// state: Lambda identity from the runtime environment plus the non-secret
// resource names the function was configured with. Secret values must
// never be passed in resources.
func LogStartup(name string, initDuration time.Duration, resources map[string]string) {
	identity := zerolog.Dict().
		Str("name", name).
		Str("functionName", os.Getenv("AWS_LAMBDA_FUNCTION_NAME")).
		Str("version", os.Getenv("AWS_LAMBDA_FUNCTION_VERSION")).
		Str("region", os.Getenv("AWS_REGION")).
		Str("memoryMB", os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE")).
		Str("goVersion", runtime.Version()).
		Str("arch", runtime.GOARCH)

	evt := log.Info().Dict("lambda", identity).Dur("initDuration", initDuration)

	if len(resources) > 0 {
		d := zerolog.Dict()
		for k, v := range resources {
			d = d.Str(k, v)
		}
		evt = evt.Dict("resources", d)
	}

	evt.Msg("Cold start complete")
}
