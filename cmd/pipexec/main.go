//
// Copyright 2024 The pipsandbox Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Command pipexec is a demonstration entrypoint for the Orchestrator: it
// runs one pip under sandbox observation and prints its execution result.
// It exists to give the library a runnable shape, the same role
// cmd/sysbox-fs/main.go plays for the teacher's daemon — flags in, services
// wired, one run loop, clean shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buildxl-oss/pipsandbox/orchestrator"
	"github.com/buildxl-oss/pipsandbox/pathtree"
	"github.com/buildxl-oss/pipsandbox/validator"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
)

func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuOn := ctx.Bool("cpu-profiling")
	memOn := ctx.Bool("memory-profiling")
	if cpuOn && memOn {
		return nil, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if !cpuOn && !memOn {
		return nil, nil
	}
	if cpuOn {
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}
	return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
}

func main() {
	app := cli.NewApp()
	app.Name = "pipexec"
	app.Usage = "run one pip under the sandbox control plane and print its execution result"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "dir", Value: ".", Usage: "working directory for the pip"},
		cli.StringFlag{Name: "tmp-dir", Value: os.TempDir(), Usage: "pip temp directory"},
		cli.StringFlag{Name: "fam-dir", Value: os.TempDir(), Usage: "directory for the FAM file and report FIFO"},
		cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "wall-clock timeout for the pip"},
		cli.StringSliceFlag{Name: "output", Usage: "declared output path (repeatable)"},
		cli.Uint64Flag{Name: "pip-id", Usage: "numeric identifier attached to the execution result"},
		cli.BoolFlag{Name: "allow-undeclared-reads", Usage: "permit reads outside declared inputs"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warning, error, fatal"},
		cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json"},
		cli.BoolFlag{Name: "cpu-profiling", Hidden: true},
		cli.BoolFlag{Name: "memory-profiling", Hidden: true},
	}

	app.Before = func(ctx *cli.Context) error {
		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.SetLevel(logrus.InfoLevel)
		}
		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		argv := []string(ctx.Args())
		if len(argv) == 0 {
			return fmt.Errorf("usage: pipexec [options] -- <command> [args...]")
		}

		prof, err := runProfiler(ctx)
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		runCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("timeout"))
		defer cancel()
		go func() {
			<-sigChan
			logrus.Warn("pipexec caught interrupt, cancelling pip")
			cancel()
		}()

		var outputs []validator.DeclaredOutput
		for _, p := range ctx.StringSlice("output") {
			outputs = append(outputs, validator.DeclaredOutput{Path: p})
		}

		orch := orchestrator.New(afero.NewOsFs(), pathtree.New(), ctx.String("fam-dir"))
		job := orchestrator.Job{
			PipID:                      ctx.Uint64("pip-id"),
			Argv:                       argv,
			Dir:                        ctx.String("dir"),
			TempDir:                    ctx.String("tmp-dir"),
			DeclaredOutputs:            outputs,
			AllowUndeclaredReads:       ctx.Bool("allow-undeclared-reads"),
			ReportDirectoryEnumeration: true,
			Timeout:                    ctx.Duration("timeout"),
		}

		systemd.SdNotify(false, systemd.SdNotifyReady)

		result, err := orch.Run(runCtx, job)

		if prof != nil {
			prof.Stop()
		}

		if err != nil {
			logrus.Errorf("pip execution failed: %v", err)
			return err
		}

		fmt.Printf("status=%s exit_code=%d duration=%s warnings=%d orphans=%v\n",
			result.Status, result.ExitCode, result.Duration, result.WarningCount, result.OrphansActive)

		if result.Status != 0 {
			os.Exit(1)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
