//go:build linux

package executor

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_buildChildEnv_Sorts_And_Appends_Defaults(t *testing.T) {
	t.Parallel()

	got := buildChildEnv(map[string]string{"ZEBRA": "1", "APPLE": "2"})
	want := []string{"APPLE=2", "ZEBRA=1", defaultPath, defaultHome}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildChildEnv() mismatch (-want +got):\n%s", diff)
	}
}

func Test_buildChildEnv_Empty_Env_Still_Appends_Defaults(t *testing.T) {
	t.Parallel()

	got := buildChildEnv(nil)
	want := []string{defaultPath, defaultHome}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildChildEnv(nil) mismatch (-want +got):\n%s", diff)
	}
}

func Test_buildChildEnv_Caller_Entry_Can_Shadow_Nothing_Ahead_Of_Defaults(t *testing.T) {
	t.Parallel()

	// A caller-supplied PATH/HOME does not replace the defaults; both entries
	// simply appear in the slice, with the child's exec environment reflecting
	// whichever duplicate key a libc getenv-style scan resolves first.
	got := buildChildEnv(map[string]string{"PATH": "/custom"})

	want := []string{"PATH=/custom", defaultPath, defaultHome}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("buildChildEnv() mismatch (-want +got):\n%s", diff)
	}
}
