// Command svcstart starts OS services and waits for them to come up. It runs
// either as a one-shot CLI or as a long-lived agent driven over NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stone-age-io/svcstart/internal/config"
	"github.com/stone-age-io/svcstart/internal/servicestart"
	"github.com/stone-age-io/svcstart/internal/tasks"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `Usage:
  svcstart start NAME [flags]        start a service and wait for it
  svcstart agent [--config PATH]     run the agent in the foreground
  svcstart service ACTION [--config PATH]
                                     install, uninstall, start, stop or restart the agent service
  svcstart version                   print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch args[0] {
	case "start":
		return runStart(args[1:], stdout, stderr)
	case "agent":
		return runAgent(args[1:], stderr)
	case "service":
		return runService(args[1:], stderr)
	case "version":
		fmt.Fprintln(stdout, version)
		return exitOK
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

type startOptions struct {
	request  servicestart.Request
	logLevel string
	json     bool
}

// parseStartArgs turns the start subcommand's flags into a request
func parseStartArgs(args []string, stderr io.Writer) (startOptions, error) {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: svcstart start NAME [flags]")
		fs.PrintDefaults()
	}

	startArgs := fs.StringArray("arg", nil, "startup argument passed to the service (repeatable)")
	noWait := fs.Bool("no-wait", false, "return once the start is ordered")
	ignoreRunning := fs.Bool("ignore-already-started", false, "treat an already running service as success")
	warnOnFailure := fs.Bool("warn-on-failure", false, "report start failures as warnings")
	dryRun := fs.Bool("dry-run", false, "report what would happen without starting anything")
	waitTimeout := fs.Duration("wait-timeout", 0, "give up waiting after this long (0 waits forever)")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	asJSON := fs.Bool("json", false, "print the outcome as JSON")

	if err := fs.Parse(args); err != nil {
		return startOptions{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return startOptions{}, fmt.Errorf("expected exactly one service name, got %d", fs.NArg())
	}

	req := servicestart.NewRequest(fs.Arg(0), *startArgs...)
	req.WaitForRunning = !*noWait
	req.IgnoreAlreadyRunning = *ignoreRunning
	req.TreatFailureAsWarning = *warnOnFailure
	req.DryRun = *dryRun
	req.WaitTimeout = *waitTimeout
	if err := req.Validate(); err != nil {
		return startOptions{}, err
	}

	return startOptions{request: req, logLevel: *logLevel, json: *asJSON}, nil
}

func runStart(args []string, stdout, stderr io.Writer) int {
	opts, err := parseStartArgs(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	logger, err := newCLILogger(opts.logLevel, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	starter := servicestart.New(tasks.NewHost(), servicestart.WithLogger(logger.Named("starter")))
	outcome := starter.Run(ctx, opts.request)
	servicestart.LogOutcome(logger, outcome)

	if opts.json {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tasks.NewStartResponse(uuid.NewString(), outcome))
	}

	return exitCode(outcome)
}

// exitCode is 0 for Info and Warning outcomes and 1 for Error
func exitCode(o servicestart.Outcome) int {
	if o.Succeeded() {
		return exitOK
	}
	return exitError
}

// newCLILogger logs human-readable lines to w
func newCLILogger(level string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// parseConfigFlag handles the --config flag shared by agent and service
func parseConfigFlag(name string, args []string, stderr io.Writer) (string, []string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", config.GetDefaultConfigPath(), "path to the agent config file")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	return *configPath, fs.Args(), nil
}

func runAgent(args []string, stderr io.Writer) int {
	configPath, rest, err := parseConfigFlag("agent", args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil || len(rest) > 0 {
		fmt.Fprintln(stderr, "Usage: svcstart agent [--config PATH]")
		return exitUsage
	}

	svc, err := newAgentService(configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func runService(args []string, stderr io.Writer) int {
	configPath, rest, err := parseConfigFlag("service", args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil || len(rest) != 1 || !validAction(rest[0]) {
		fmt.Fprintln(stderr, "Usage: svcstart service install|uninstall|start|stop|restart [--config PATH]")
		return exitUsage
	}

	if err := controlAgentService(configPath, rest[0]); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	fmt.Fprintf(stderr, "service %s: ok\n", rest[0])
	return exitOK
}
