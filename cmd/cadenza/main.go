// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command cadenza is the local CLI for the composition system. It operates
// directly on a data directory, no server required.
//
// Usage:
//
//	cadenza init --name quartet --spec spec.yaml
//	cadenza generate <project-id>
//	cadenza revise <project-id> "add drama to measures 2-3"
//	cadenza analyze <project-id> 1
//	cadenza diff <project-id> 1 2
//	cadenza history <project-id>
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cadenzalab/cadenza/pkg/logging"
	"github.com/cadenzalab/cadenza/services/composer"
	"github.com/cadenzalab/cadenza/services/composer/score"
	"github.com/cadenzalab/cadenza/services/composer/storage/badgerdb"
)

var (
	dataDir  string
	specPath string
	projName string
	verbose  bool
)

func main() {
	root := &cobra.Command{
		Use:           "cadenza",
		Short:         "Iterative musical composition from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Data directory")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project from a composition spec",
		RunE:  runInit,
	}
	initCmd.Flags().StringVar(&projName, "name", "", "Project name")
	initCmd.Flags().StringVar(&specPath, "spec", "", "Path to YAML composition spec")
	initCmd.MarkFlagRequired("name")
	initCmd.MarkFlagRequired("spec")

	root.AddCommand(
		initCmd,
		&cobra.Command{
			Use:   "generate <project-id>",
			Short: "Generate the next version from the project spec",
			Args:  cobra.ExactArgs(1),
			RunE:  runGenerate,
		},
		&cobra.Command{
			Use:   "revise <project-id> <feedback>",
			Short: "Revise the latest version from feedback",
			Args:  cobra.ExactArgs(2),
			RunE:  runRevise,
		},
		&cobra.Command{
			Use:   "analyze <project-id> <version>",
			Short: "Analyze an existing version",
			Args:  cobra.ExactArgs(2),
			RunE:  runAnalyze,
		},
		&cobra.Command{
			Use:   "diff <project-id> <from> <to>",
			Short: "Compare two versions",
			Args:  cobra.ExactArgs(3),
			RunE:  runDiff,
		},
		&cobra.Command{
			Use:   "history <project-id>",
			Short: "List all versions of a project",
			Args:  cobra.ExactArgs(1),
			RunE:  runHistory,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.cadenza/data"
	}
	return "./.cadenza/data"
}

// openService builds a service over the CLI's data directory.
func openService() (*composer.Service, error) {
	level := logging.LevelWarn
	if verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(logging.Config{Level: level, Service: "cadenza"})
	if err != nil {
		return nil, err
	}

	db, err := badgerdb.Open(badgerdb.DefaultConfig(dataDir))
	if err != nil {
		return nil, err
	}
	return composer.New(composer.Options{DB: db, Logger: logger.Slog()})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	raw, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("read spec: %w", err)
	}
	var spec score.Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	proj, err := svc.CreateProject(cmd.Context(), projName, spec)
	if err != nil {
		return err
	}
	return printJSON(proj)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	v, err := svc.GenerateInitial(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(v)
}

func runRevise(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	v, err := svc.Revise(cmd.Context(), args[0], args[1])
	if v != nil && v.Partial {
		// Show the partial version before reporting the failure.
		printJSON(v)
	}
	if err != nil {
		return err
	}
	return printJSON(v)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	number, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("version must be a positive integer: %q", args[1])
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	results, err := svc.Analyze(cmd.Context(), args[0], number)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func runDiff(cmd *cobra.Command, args []string) error {
	from, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("from must be a positive integer: %q", args[1])
	}
	to, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("to must be a positive integer: %q", args[2])
	}

	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	d, err := svc.Compare(cmd.Context(), args[0], from, to)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, d.Summary)
	return printJSON(d)
}

func runHistory(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	versions, err := svc.History(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	for _, v := range versions {
		status := "complete"
		if v.Partial {
			status = "partial (" + v.FailedStep + ")"
		}
		fmt.Printf("v%-4d %s  %s\n", v.Number, v.Fingerprint[:12], status)
	}
	return nil
}
