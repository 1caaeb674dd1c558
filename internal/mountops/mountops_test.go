// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mountops

import (
	"fmt"
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/defs"
)

func TestCapLowerdirsTruncatesTail(t *testing.T) {
	var warned string
	orig := Warnf
	Warnf = func(format string, args ...interface{}) { warned = fmt.Sprintf(format, args...) }
	defer func() { Warnf = orig }()

	lowerdirs := make([]string, defs.MaxLowerdirs+1)
	for i := range lowerdirs {
		lowerdirs[i] = fmt.Sprintf("/storage/mod%d/system", i)
	}
	got := capLowerdirs("/system", lowerdirs)

	if len(got) != defs.MaxLowerdirs {
		t.Fatalf("got %d lowerdirs, want %d", len(got), defs.MaxLowerdirs)
	}
	for i := range got {
		if got[i] != lowerdirs[i] {
			t.Fatalf("index %d: got %q, want %q (should drop from the tail)", i, got[i], lowerdirs[i])
		}
	}
	if warned == "" {
		t.Error("expected a warning when truncating lowerdirs")
	}
}

func TestCapLowerdirsNoopUnderLimit(t *testing.T) {
	lowerdirs := []string{"/a", "/b", "/c"}
	got := capLowerdirs("/system", lowerdirs)
	if len(got) != len(lowerdirs) {
		t.Fatalf("got %d, want %d", len(got), len(lowerdirs))
	}
}
