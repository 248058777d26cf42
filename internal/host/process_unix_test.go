//go:build !windows

package host

import (
	"os"
	"os/exec"
	"testing"
)

func TestIsProcessAlive(t *testing.T) {
	if !isProcessAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	if isProcessAlive(cmd.Process.Pid) {
		t.Error("reaped process reported alive")
	}
}
