// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.Verbose = true
	cfg.Partitions = []string{"my_product", "my_odm"}
	cfg.Winnowing.SetRule("/system/etc/hosts", "moduleB")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.Verbose != cfg.Verbose || got.ModuleDir != cfg.ModuleDir || got.MountSource != cfg.MountSource {
		t.Fatalf("scalar fields mismatch: got %+v, want %+v", got, cfg)
	}
	if len(got.Partitions) != len(cfg.Partitions) {
		t.Fatalf("partitions mismatch: got %v, want %v", got.Partitions, cfg.Partitions)
	}
	for i := range cfg.Partitions {
		if got.Partitions[i] != cfg.Partitions[i] {
			t.Fatalf("partitions[%d]: got %q, want %q", i, got.Partitions[i], cfg.Partitions[i])
		}
	}
	if id, ok := got.Winnowing.PreferredModule("/system/etc/hosts"); !ok || id != "moduleB" {
		t.Fatalf("winnowing rule lost in round trip: %q %v", id, ok)
	}
}

func TestPartitionsFlexibleStringForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "partitions = \"my_product, my_odm ,  \"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"my_product", "my_odm"}
	if len(cfg.Partitions) != len(want) {
		t.Fatalf("got %v, want %v", cfg.Partitions, want)
	}
	for i := range want {
		if cfg.Partitions[i] != want[i] {
			t.Fatalf("index %d: got %q, want %q", i, cfg.Partitions[i], want[i])
		}
	}
}

func TestMergeWithCLI(t *testing.T) {
	cfg := Default()
	cfg.MergeWithCLI(CLIOverrides{
		DryRun:     true,
		Partitions: []string{"only_this"},
	})
	if !cfg.DryRun {
		t.Error("DryRun override did not apply")
	}
	if len(cfg.Partitions) != 1 || cfg.Partitions[0] != "only_this" {
		t.Errorf("Partitions override did not apply: %v", cfg.Partitions)
	}
	if cfg.ModuleDir == "" {
		t.Error("untouched field should keep its default")
	}
}

func TestAllPartitions(t *testing.T) {
	cfg := Default()
	cfg.Partitions = []string{"my_product", "vendor"}
	all := cfg.AllPartitions()

	seen := map[string]int{}
	for _, p := range all {
		seen[p]++
	}
	if seen["vendor"] != 1 {
		t.Errorf("vendor should appear exactly once, appeared %d times", seen["vendor"])
	}
	if seen["my_product"] != 1 {
		t.Errorf("my_product should appear exactly once, appeared %d times", seen["my_product"])
	}
}
