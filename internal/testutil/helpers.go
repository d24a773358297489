// Package testutil holds helpers shared by tests that need a real kernel.
package testutil

import (
	"os"
	"runtime"
	"testing"

	"github.com/vishvananda/netns"
)

// RequireVM skips the test unless NETCONVERGE_VM_TEST is set. Tests that
// create links or touch system services only run in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("NETCONVERGE_VM_TEST") == "" {
		t.Skip("Skipping test: requires NETCONVERGE_VM_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// NamedNetns creates a network namespace under /var/run/netns for the
// duration of the test and returns its name. The calling thread stays in
// its original namespace.
func NamedNetns(t *testing.T, name string) string {
	t.Helper()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		t.Fatalf("failed to get current netns: %v", err)
	}
	defer orig.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		t.Fatalf("failed to create netns %s: %v", name, err)
	}
	ns.Close()
	if err := netns.Set(orig); err != nil {
		t.Fatalf("failed to restore netns: %v", err)
	}
	t.Cleanup(func() { netns.DeleteNamed(name) })
	return name
}
