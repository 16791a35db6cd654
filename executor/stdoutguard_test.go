package executor_test

import (
	"bufio"
	"os"
	"strings"
	"testing"

	"github.com/quarrydata/quarry/executor"
)

// stdoutGuardPreviewLen mirrors the unexported previewLen constant in
// stdoutguard.go; kept in sync there since the package boundary hides it
// from this external test.
const stdoutGuardPreviewLen = 200

func TestStdoutGuard_RedirectsStrayWrites(t *testing.T) {
	guard, err := executor.Install()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = guard.Close() }()

	if guard.RealStdout() == nil {
		t.Fatal("expected non-nil real stdout handle")
	}

	// os.Stdout is now the substituted pipe writer, not the real handle.
	if os.Stdout == nil {
		t.Fatal("expected os.Stdout to remain non-nil after install")
	}

	realStderr := os.Stderr
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create stderr pipe: %v", err)
	}
	os.Stderr = stderrW
	defer func() { os.Stderr = realStderr }()

	reader := bufio.NewReader(stderrR)

	// A stray write containing a real newline: reportStray must escape it
	// to the literal two-character sequence "\n" rather than letting it
	// split the diagnostic onto two lines.
	if _, err := os.Stdout.Write([]byte("hello\nworld")); err != nil {
		t.Fatalf("unexpected error writing stray output: %v", err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read stderr preview: %v", err)
	}
	if !strings.Contains(line, "hello\\nworld") {
		t.Errorf("expected escaped newline in preview, got %q", line)
	}
	if strings.Contains(line, "hello\nworld") {
		t.Errorf("preview contains a literal newline, want it escaped: %q", line)
	}

	// A stray write longer than the preview limit: only the first 200
	// characters should reach stderr.
	long := strings.Repeat("z", stdoutGuardPreviewLen+50)
	if _, err := os.Stdout.Write([]byte(long)); err != nil {
		t.Fatalf("unexpected error writing stray output: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read stderr preview: %v", err)
	}
	if got := strings.Count(line, "z"); got != stdoutGuardPreviewLen {
		t.Errorf("expected %d characters in truncated preview, got %d", stdoutGuardPreviewLen, got)
	}
}
