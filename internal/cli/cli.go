package cli

import (
	"flag"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/vk/gridci/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("gridci", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
gridci - a matrix test-orchestration engine.

Usage:
  gridci [options] [CONFIG_PATH]

Arguments:
  CONFIG_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to the configuration file or directory.")
	cFlag := flagSet.String("c", "", "Path to the configuration file or directory (shorthand).")
	workersFlag := flagSet.Int("workers", 0, "Concurrent job limit. 0 defers to the config; unset everywhere means unbounded.")
	workDirFlag := flagSet.String("work-dir", ".gridci/work", "Directory for per-job working roots.")
	platformFlag := flagSet.String("platform", runtime.GOOS, "Platform namespace for cache keys of jobs without an 'os' axis.")
	cacheDirFlag := flagSet.String("cache-dir", ".gridci/cache", "Root of the local corpus cache.")
	s3EndpointFlag := flagSet.String("s3-endpoint", "", "S3-compatible cache endpoint. Empty uses the local cache directory.")
	s3BucketFlag := flagSet.String("s3-bucket", "", "Bucket for the S3 cache.")
	s3AccessKeyFlag := flagSet.String("s3-access-key", "", "Access key for the S3 cache.")
	s3SecretKeyFlag := flagSet.String("s3-secret-key", "", "Secret key for the S3 cache.")
	s3SecureFlag := flagSet.Bool("s3-secure", true, "Use TLS for the S3 cache.")
	reportFormatFlag := flagSet.String("report-format", "", "Machine-readable report instead of the console summary: 'json' or 'yaml'.")
	everyFlag := flagSet.Duration("every", 0, "Re-run on this interval instead of running once. External cron schedulers should leave this unset.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *configFlag != "" {
		path = *configFlag
	} else if *cFlag != "" {
		path = *cFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	reportFormat := strings.ToLower(*reportFormatFlag)
	switch reportFormat {
	case "", "json", "yaml":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid report-format: must be 'json' or 'yaml'"}
	}

	if *s3EndpointFlag != "" && *s3BucketFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: "s3-bucket is required when s3-endpoint is set"}
	}

	config, err := app.NewConfig(app.Config{
		ConfigPath:   path,
		WorkDir:      *workDirFlag,
		Platform:     *platformFlag,
		Workers:      *workersFlag,
		CacheDir:     *cacheDirFlag,
		S3Endpoint:   *s3EndpointFlag,
		S3Bucket:     *s3BucketFlag,
		S3AccessKey:  *s3AccessKeyFlag,
		S3SecretKey:  *s3SecretKeyFlag,
		S3Secure:     *s3SecureFlag,
		ReportFormat: reportFormat,
		Every:        *everyFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
