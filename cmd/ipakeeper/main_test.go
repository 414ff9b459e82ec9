package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/lock"
)

func withTmpData(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "share"))
	t.Setenv("IPAKEEPER_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("IPAKEEPER_PASSPHRASE", "test passphrase")
	for _, env := range []string{"IPAKEEPER_DB_DRIVER", "IPAKEEPER_DB_DSN", "IPAKEEPER_PACKAGES_DIR", "IPAKEEPER_LOG_LEVEL"} {
		t.Setenv(env, "")
	}
	return filepath.Join(dir, "data")
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"--log-level", "error"}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func Test_version(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "ipakeeper dev") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func Test_usage(t *testing.T) {
	_ = withTmpData(t)
	_, stderr, err := runCLI(t)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("want ErrHelp, got %v", err)
	}
	if !strings.Contains(stderr, "remove-all") || !strings.Contains(stderr, "--data-dir") {
		t.Fatalf("usage missing commands or flags:\n%s", stderr)
	}

	if _, _, err := runCLI(t, "frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("want unknown command error, got %v", err)
	}
}

func Test_emptyState(t *testing.T) {
	data := withTmpData(t)

	for _, cmd := range []string{"accounts", "jobs"} {
		out, _, err := runCLI(t, cmd)
		if err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
		var v []any
		if err := json.Unmarshal([]byte(out), &v); err != nil || len(v) != 0 {
			t.Fatalf("%s: want empty JSON list, got %q (%v)", cmd, out, err)
		}
	}
	for _, name := range []string{"secrets.json", "jobs.db"} {
		if _, err := os.Stat(filepath.Join(data, name)); err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
	}
	// the lock is released after each invocation
	l, err := lock.Acquire(filepath.Join(data, "ipakeeper.lock"))
	if err != nil {
		t.Fatalf("lock after run: %v", err)
	}
	_ = l.Release()
}

func Test_commandErrors(t *testing.T) {
	_ = withTmpData(t)

	if _, _, err := runCLI(t, "download", "com.example.app"); !errors.Is(err, errNoAccount) {
		t.Fatalf("download without account: want errNoAccount, got %v", err)
	}
	if _, _, err := runCLI(t, "resume", "not-a-uuid"); err == nil || !strings.Contains(err.Error(), "bad job id") {
		t.Fatalf("resume bad id: %v", err)
	}
	if _, _, err := runCLI(t, "delete", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("delete unknown job: want ErrNotFound, got %v", err)
	}
	if _, _, err := runCLI(t, "login"); err == nil {
		t.Fatalf("login without email: want error")
	}
	if _, _, err := runCLI(t, "--db-driver", "mysql", "jobs"); err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("bad driver: %v", err)
	}
}

func Test_lockedDataDir(t *testing.T) {
	data := withTmpData(t)
	l, err := lock.Acquire(filepath.Join(data, "ipakeeper.lock"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release()

	if _, _, err := runCLI(t, "jobs"); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("want ErrLocked, got %v", err)
	}
}

func Test_printJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printJSON(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("printJSON: %v", err)
	}
	if buf.String() != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
