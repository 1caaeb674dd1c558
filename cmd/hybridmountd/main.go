// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/trangkyanh17/hybridmount/internal/cliutil"
	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/defs"
	"github.com/trangkyanh17/hybridmount/internal/diagnose"
	"github.com/trangkyanh17/hybridmount/internal/magicexec"
	"github.com/trangkyanh17/hybridmount/internal/module"
	"github.com/trangkyanh17/hybridmount/internal/overlayexec"
	"github.com/trangkyanh17/hybridmount/internal/planner"
	"github.com/trangkyanh17/hybridmount/internal/state"
	"github.com/trangkyanh17/hybridmount/internal/storage"
	"github.com/trangkyanh17/hybridmount/internal/umountsink"
	"github.com/trangkyanh17/hybridmount/internal/winnow"
)

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Usage: "path to config.toml",
}

var flagModuleDir = &cli.StringFlag{
	Name:  "moduledir",
	Usage: "override the configured module directory",
}

var flagMountSource = &cli.StringFlag{
	Name:  "mountsource",
	Usage: "override the overlay/tmpfs mount source label",
}

var flagVerbose = &cli.BoolFlag{
	Name: "verbose",
}

var flagDryRun = &cli.BoolFlag{
	Name:  "dry-run",
	Usage: "generate and diagnose a plan without mounting anything",
}

var flagPartitions = &cli.StringFlag{
	Name:  "partitions",
	Usage: "comma-separated extra partitions beyond the builtin set",
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := c.String(flagConfig.Name); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	var partitions []string
	if raw := c.String(flagPartitions.Name); raw != "" {
		partitions = strings.Split(raw, ",")
	}
	cfg.MergeWithCLI(config.CLIOverrides{
		ModuleDir:   c.String(flagModuleDir.Name),
		MountSource: c.String(flagMountSource.Name),
		Verbose:     c.Bool(flagVerbose.Name),
		Partitions:  partitions,
		DryRun:      c.Bool(flagDryRun.Name),
	})
	return cfg, nil
}

func buildPlan(cfg *config.Config) (*planner.MountPlan, error) {
	modules, err := module.ScanInventory(cfg.ModuleDir)
	if err != nil {
		return nil, fmt.Errorf("scanning inventory: %w", err)
	}
	if cfg.Verbose {
		log.Printf(">> inventory: found %d active modules", len(modules))
	}

	plan, err := planner.Plan(cfg, modules, defs.DefaultStorageRoot)
	if err != nil {
		return nil, fmt.Errorf("generating plan: %w", err)
	}
	return plan, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var cmdList = &cli.Command{
	Name:  "list",
	Usage: "list the active module inventory",
	Flags: []cli.Flag{flagConfig, flagModuleDir},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return cliutil.ExitCode(1)
		}
		infos, err := module.Scan(cfg.ModuleDir)
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		return printJSON(infos)
	},
}

var cmdPlan = &cli.Command{
	Name:  "plan",
	Usage: "print the generated mount plan as JSON",
	Flags: []cli.Flag{flagConfig, flagModuleDir, flagMountSource, flagPartitions},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		plan, err := buildPlan(cfg)
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		return printJSON(plan)
	},
}

var cmdDiagnose = &cli.Command{
	Name:  "diagnose",
	Usage: "run read-only checks over the generated plan",
	Flags: []cli.Flag{flagConfig, flagModuleDir, flagMountSource, flagPartitions},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		plan, err := buildPlan(cfg)
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}

		logConflicts(plan, cfg)

		issues := diagnose.Run(plan)
		if err := printJSON(issues); err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		if diagnose.HasCritical(issues) {
			return cliutil.ExitCode(2)
		}
		return nil
	},
}

var cmdState = &cli.Command{
	Name:  "state",
	Usage: "print the last saved runtime state",
	Action: func(c *cli.Context) error {
		runtime, err := state.LoadDefault()
		if err != nil {
			log.Printf("FATAL: %v", err)
			return cliutil.ExitCode(1)
		}
		return printJSON(runtime)
	},
}

var cmdMount = &cli.Command{
	Name:  "mount",
	Usage: "generate the plan and mount every module (the default boot action)",
	Flags: []cli.Flag{flagConfig, flagModuleDir, flagMountSource, flagPartitions, flagDryRun},
	Action: runMount,
}

func logConflicts(plan *planner.MountPlan, cfg *config.Config) {
	if len(plan.Conflicts) == 0 {
		log.Printf(">> no file conflicts detected")
		return
	}
	log.Printf("!! %d file conflicts detected", len(plan.Conflicts))
	for _, res := range winnow.Resolve(plan.Conflicts, cfg.Winnowing) {
		tag := "latest-wins"
		if res.IsForced {
			tag = "user rule"
		}
		log.Printf("   [%s] %s <= %v (selected %s via %s)", res.Partition, res.RelPath, res.Contenders, res.Selected, tag)
	}
}

func checkZygiskSUEnforce() bool {
	data, err := os.ReadFile("/data/adb/zygisksu/denylist_enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != "0"
}

func runMount(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		log.Printf("FATAL: %v", err)
		return cliutil.ExitCode(1)
	}

	if checkZygiskSUEnforce() {
		log.Printf("!! zygisksu enforce detected, forcing disable_umount")
		cfg.DisableUmount = true
	}

	plan, err := buildPlan(cfg)
	if err != nil {
		log.Printf("FATAL: %v", err)
		return cliutil.ExitCode(1)
	}
	logConflicts(plan, cfg)

	if cfg.DryRun {
		log.Printf(":: dry-run / diagnostic mode ::")
		issues := diagnose.Run(plan)
		critical := 0
		for _, issue := range issues {
			switch issue.Level {
			case diagnose.Critical:
				log.Printf("[CRITICAL][%s] %s", issue.Context, issue.Message)
				critical++
			case diagnose.Warning:
				log.Printf("[WARN][%s] %s", issue.Context, issue.Message)
			default:
				log.Printf("[INFO][%s] %s", issue.Context, issue.Message)
			}
		}
		if critical > 0 {
			log.Printf(">> diagnostics failed: %d critical issues found", critical)
			return cliutil.ExitCode(2)
		}
		log.Printf(">> diagnostics passed")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(defs.DefaultStateFile), 0o755); err != nil {
		log.Printf("FATAL: %v", err)
		return cliutil.ExitCode(1)
	}

	log.Printf(">> executing overlay mounts")
	overlayResult, err := overlayexec.Execute(plan, cfg)
	if err != nil {
		log.Printf("FATAL: %v", err)
		return cliutil.ExitCode(1)
	}

	magicPaths := append([]string{}, plan.MagicModulePaths...)
	magicPaths = append(magicPaths, overlayResult.MagicRoots...)

	log.Printf(">> executing magic mount for %d module(s)", len(magicPaths))
	magicResult, err := magicexec.Execute(magicPaths, cfg, defs.DefaultWorkspaceDir)
	if err != nil {
		log.Printf("FATAL: %v", err)
		return cliutil.ExitCode(1)
	}
	log.Printf(">> magic mount: %d file(s), %d symlink(s)", magicResult.MountedFiles, magicResult.MountedSymlinks)

	if !cfg.DisableUmount {
		if err := umountsink.Commit(); err != nil {
			log.Printf("WARNING: umount sink commit failed: %v", err)
		}
	}

	activeMounts := make([]string, len(plan.OverlayOps))
	for i, op := range plan.OverlayOps {
		activeMounts[i] = op.Partition
	}

	finalMagicIDs := append([]string{}, plan.MagicModuleIDs...)
	for _, root := range overlayResult.MagicRoots {
		finalMagicIDs = append(finalMagicIDs, filepath.Base(root))
	}

	handle := storage.DetectHandle(defs.DefaultStorageRoot)
	runtime := state.New(handle, overlayResult.OverlayModuleIDs, finalMagicIDs, activeMounts, checkZygiskSUEnforce())
	if err := runtime.SaveDefault(); err != nil {
		log.Printf("WARNING: saving runtime state failed: %v", err)
	}

	log.Printf(">> mount sequence complete")
	return nil
}

func main() {
	app := &cli.App{
		Name:  "hybridmountd",
		Usage: "boot-time module mounter: layered overlay mounts with tmpfs magic-mount fallback",
		Flags: []cli.Flag{flagConfig, flagModuleDir, flagMountSource, flagPartitions, flagDryRun, flagVerbose},
		Commands: []*cli.Command{
			cmdMount,
			cmdPlan,
			cmdDiagnose,
			cmdList,
			cmdState,
		},
		Action: runMount,
	}

	cliutil.Exit(app.Run(os.Args))
}
