package strand

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "STRAND_TEST_KEY=from-file\nSTRAND_TEST_KEEP=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}

	t.Setenv("STRAND_TEST_KEEP", "from-env")
	t.Setenv("STRAND_TEST_KEY", "")
	os.Unsetenv("STRAND_TEST_KEY")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if got := os.Getenv("STRAND_TEST_KEY"); got != "from-file" {
		t.Errorf("Expected value from file, got %q", got)
	}
	if got := os.Getenv("STRAND_TEST_KEEP"); got != "from-env" {
		t.Errorf("Expected existing environment to win, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("Expected missing file to be ignored, got %v", err)
	}
}
