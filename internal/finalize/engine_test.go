package finalize

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
)

func setup(t *testing.T) (payload, target string) {
	t.Helper()
	root := t.TempDir()
	payload = filepath.Join(root, ".incoming", "job.ipa")
	if err := os.MkdirAll(filepath.Dir(payload), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(payload, []byte("raw"), 0o644); err != nil {
		t.Fatal(err)
	}
	return payload, filepath.Join(root, "com.example.app", "1.0", "job.ipa")
}

func tempPath(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".unsigned")
}

func TestFinalize_Success(t *testing.T) {
	t.Parallel()
	payload, target := setup(t)
	var injected string
	e := NewEngine(func(file string, sigs []model.Signature, _ []byte) error {
		injected = file
		return os.WriteFile(file, []byte("signed"), 0o644)
	}, zaptest.NewLogger(t))

	// a stale artifact is replaced
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Finalize(model.Job{}, payload, target); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if injected != tempPath(target) {
		t.Fatalf("injected into %q, want %q", injected, tempPath(target))
	}
	b, err := os.ReadFile(target)
	if err != nil || string(b) != "signed" {
		t.Fatalf("target = %q, %v", b, err)
	}
	if _, err := os.Stat(tempPath(target)); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Fatalf("payload not moved: %v", err)
	}
}

func TestFinalize_InjectFailure(t *testing.T) {
	t.Parallel()
	payload, target := setup(t)
	e := NewEngine(func(string, []model.Signature, []byte) error {
		return errors.New("bad archive")
	}, zaptest.NewLogger(t))

	err := e.Finalize(model.Job{}, payload, target)
	if !errors.Is(err, errs.ErrFinalize) {
		t.Fatalf("want ErrFinalize, got %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("partial artifact at target: %v", err)
	}
	if _, err := os.Stat(tempPath(target)); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestFinalize_MissingPayload(t *testing.T) {
	t.Parallel()
	_, target := setup(t)
	e := NewEngine(nil, zaptest.NewLogger(t))

	err := e.Finalize(model.Job{}, filepath.Join(t.TempDir(), "missing.ipa"), target)
	if !errors.Is(err, errs.ErrFinalize) {
		t.Fatalf("want ErrFinalize, got %v", err)
	}
}
