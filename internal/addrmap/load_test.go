// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package addrmap

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const helloSource = `
int greet(const char *name) {
    int n = 0;
    n = n + 1;
    return n;
}

int main(void) {
    greet("world");
    return 0;
}
`

// buildHello compiles helloSource with frame pointers preserved and
// DWARF debug info, the way a real deet target must be built. Skips
// the test (rather than failing it) when no C compiler is available.
func buildHello(t *testing.T) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler available")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "hello.c")
	if err := os.WriteFile(src, []byte(helloSource), 0o644); err != nil {
		t.Fatalf("writing source: %v", err)
	}
	bin := filepath.Join(dir, "hello")

	cmd := exec.Command(cc, "-g", "-O0", "-fno-omit-frame-pointer", "-o", bin, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building test binary: %v\n%s", err, out)
	}
	return bin
}

func TestLoadRealBinary(t *testing.T) {
	bin := buildHello(t)

	b, err := Load(bin)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := b.FunctionToAddr("", "main"); !ok {
		t.Error("FunctionToAddr(main) not found in compiled binary")
	}
	if _, ok := b.FunctionToAddr("", "greet"); !ok {
		t.Error("FunctionToAddr(greet) not found in compiled binary")
	}

	addr, ok := b.FunctionToAddr("", "greet")
	if !ok {
		t.Fatal("greet not found")
	}
	if name, ok := b.AddrToFunction(addr); !ok || name != "greet" {
		t.Errorf("AddrToFunction(entry of greet) = (%q, %v), want (greet, true)", name, ok)
	}
}
