// Command floatguard exercises the sanitizer runtime against its built-in
// demonstration scenarios: each one provokes (or deliberately fails to
// provoke) a redzone violation and checks the runtime's verdict.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/guardlabs/floatguard"
	"github.com/guardlabs/floatguard/internal/version"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("floatguard", flag.ContinueOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "Prints usage.")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if help || flags.NArg() == 0 {
		printUsage(stdErr)
		return 0
	}

	subCmd := flags.Arg(0)
	switch subCmd {
	case "run":
		return doRun(flags.Args()[1:], stdOut, stdErr)
	case "version":
		fmt.Fprintln(stdOut, version.GetVersion())
		return 0
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		return 1
	}
}

func doRun(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetOutput(stdErr)

	configPath := flags.String("config", "", "Path of a TOML file overriding the runtime toggles. Optional.")
	only := flags.String("scenario", "", "Run a single scenario by name instead of all of them.")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	cfg, fileCfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "error reading config: %v\n", err)
		return 1
	}
	// Keep the demo's diagnostics out of the scenario log.
	cfg = cfg.WithStderr(io.Discard).WithStdout(io.Discard)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: stdOut, NoColor: true}).
		With().Timestamp().Logger()

	failed := 0
	for _, sc := range scenarios {
		if *only != "" && sc.name != *only {
			continue
		}
		scCfg := cfg.WithTargets(fileCfg.Target)
		if sc.configure != nil {
			scCfg = sc.configure(scCfg)
		}
		r := floatguard.NewRuntime(scCfg)
		p, err := r.Instantiate(fileCfg.Target)
		if err != nil {
			logger.Error().Str("scenario", sc.name).Err(err).Msg("instantiate failed")
			failed++
			continue
		}
		err = sc.run(p)
		p.Close()
		if err != nil {
			logger.Error().Str("scenario", sc.name).Err(err).Msg("FAIL")
			failed++
			continue
		}
		logger.Info().Str("scenario", sc.name).Msg("ok")
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "floatguard CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  floatguard <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  run\t\tRuns the built-in violation scenarios")
	fmt.Fprintln(stdErr, "  version\tPrints the version")
}
