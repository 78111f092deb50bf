package main

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KevoDB/sysparam/pkg/config"
	"github.com/KevoDB/sysparam/pkg/sysparam"
)

// runCmd executes the command line against a 64KB image with the area at
// 0x8000 and returns what it printed
func runCmd(t *testing.T, image string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{
		"--image", image,
		"--device-size", "65536",
		"--block-size", "4096",
		"--area-base", "0x8000",
		"--log-level", "error",
	}, args...))
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, image string, args ...string) string {
	t.Helper()
	out, err := runCmd(t, image, args...)
	if err != nil {
		t.Fatalf("%s failed: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestSetGetDelete(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")

	mustRun(t, image, "set", "ssid", "home")
	mustRun(t, image, "set", "--hex", "blob", "0102ff")

	if out := mustRun(t, image, "get", "ssid"); out != "home\n" {
		t.Errorf("get ssid = %q", out)
	}
	if out := mustRun(t, image, "get", "blob"); out != "0102ff\n" {
		t.Errorf("get blob = %q", out)
	}
	if out := mustRun(t, image, "dump"); out != "ssid=home\nblob:0102ff\n" {
		t.Errorf("dump = %q", out)
	}

	mustRun(t, image, "delete", "ssid")
	if _, err := runCmd(t, image, "get", "ssid"); !errors.Is(err, sysparam.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got: %v", err)
	}

	if _, err := runCmd(t, image, "set", "--hex", "blob", "xyz"); !errors.Is(err, sysparam.ErrBadArguments) {
		t.Errorf("Expected ErrBadArguments for bad hex, got: %v", err)
	}
	if _, err := runCmd(t, image, "get"); err == nil {
		t.Error("Expected an error for a missing key argument")
	}
}

func TestInfoAndCompact(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")

	for _, v := range []string{"1", "2", "3", "4"} {
		mustRun(t, image, "set", "boot_count", v)
	}

	info := mustRun(t, image, "info")
	for _, want := range []string{"Area base:      0x00008000", "Region size:    4096 bytes (1 blocks)", "Pairs:          1"} {
		if !strings.Contains(info, want) {
			t.Errorf("info missing %q:\n%s", want, info)
		}
	}
	if strings.Contains(info, "Compactable:    0 bytes") {
		t.Errorf("Expected superseded values to be compactable:\n%s", info)
	}

	mustRun(t, image, "compact")
	info = mustRun(t, image, "info")
	if !strings.Contains(info, "Compactable:    0 bytes") {
		t.Errorf("Expected nothing compactable after compaction:\n%s", info)
	}
	if out := mustRun(t, image, "get", "boot_count"); out != "4\n" {
		t.Errorf("get boot_count = %q", out)
	}

	stats := mustRun(t, image, "stats")
	if !strings.Contains(stats, "region_size_bytes: 4096") {
		t.Errorf("stats missing region size:\n%s", stats)
	}
}

func TestFormat(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")
	mustRun(t, image, "set", "ssid", "home")

	if _, err := runCmd(t, image, "format"); !errors.Is(err, sysparam.ErrNotEmpty) {
		t.Errorf("Expected ErrNotEmpty without --force, got: %v", err)
	}
	out := mustRun(t, image, "format", "--force")
	if !strings.Contains(out, "Created parameter area at 0x00008000") {
		t.Errorf("format printed %q", out)
	}
	if out := mustRun(t, image, "dump"); out != "" {
		t.Errorf("Expected an empty area after format, got %q", out)
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "flash.img")
	snap := filepath.Join(dir, "params.snap")

	mustRun(t, image, "set", "ssid", "home")
	mustRun(t, image, "set", "--hex", "mac", "a0b1c2d3e4f5")

	out := mustRun(t, image, "export", "--codec", "snappy", snap)
	if !strings.Contains(out, "Exported 2 pairs") {
		t.Errorf("export printed %q", out)
	}

	mustRun(t, image, "format", "--force")

	out = mustRun(t, image, "import", "--dry-run", snap)
	if !strings.Contains(out, "holds 2 pairs (snappy)") {
		t.Errorf("dry run printed %q", out)
	}
	if out := mustRun(t, image, "dump"); out != "" {
		t.Errorf("Expected a dry run to write nothing, got %q", out)
	}

	mustRun(t, image, "import", snap)
	if out := mustRun(t, image, "dump"); out != "ssid=home\nmac:a0b1c2d3e4f5\n" {
		t.Errorf("dump after import = %q", out)
	}

	if _, err := runCmd(t, image, "export", "--codec", "lz4", snap); err == nil {
		t.Error("Expected an error for an unknown codec")
	}
}

func TestConfigErrors(t *testing.T) {
	image := filepath.Join(t.TempDir(), "flash.img")

	if _, err := runCmd(t, image, "--create=false", "get", "ssid"); !errors.Is(err, sysparam.ErrNotFound) {
		t.Errorf("Expected ErrNotFound without an area, got: %v", err)
	}
	if _, err := runCmd(t, image, "--area-base", "0x8004", "info"); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig for an unaligned area, got: %v", err)
	}
	if _, err := runCmd(t, image, "--remote", "localhost:1", "format"); !errors.Is(err, errLocalOnly) {
		t.Errorf("Expected format to refuse --remote, got: %v", err)
	}
}

func TestFlattenStats(t *testing.T) {
	lines := flattenStats(map[string]interface{}{
		"set_ops": uint64(3),
		"errors":  map[string]uint64{"full": 1},
		"recovery": map[string]interface{}{
			"entries_scanned": uint64(7),
		},
	})
	want := []string{"errors.full: 1", "recovery.entries_scanned: 7", "set_ops: 3"}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("flattenStats = %v, want %v", lines, want)
	}
}

func TestWrapString(t *testing.T) {
	text := strings.Repeat("parameter ", 20)
	for _, line := range strings.Split(WrapString(text), "\n") {
		if len(line) > 80 {
			t.Errorf("line longer than 80 columns: %q", line)
		}
	}
}
