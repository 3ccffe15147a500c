package debuglog_test

import (
	"strings"
	"testing"

	"github.com/cellblock/sandboxd/internal/debuglog"
)

func Test_Disabled_Logger_Writes_Nothing(t *testing.T) {
	t.Parallel()

	l := debuglog.New(nil)
	if l.Enabled() {
		t.Error("Enabled() = true for a nil-output logger")
	}

	// None of these should panic with a nil output.
	l.Section("x")
	l.Logf("hello %s", "world")
	l.Bulletf("item %d", 1)
	l.Mount("/root", "mounted")
	l.Rlimit("RLIMIT_CPU", 5)
	l.SessionEvent("sess-1", "created")
	l.ReapSweep(3)
	l.Listening("http", ":8080")
}

func Test_Enabled_Logger_Writes_To_Output(t *testing.T) {
	t.Parallel()

	var sb strings.Builder

	l := debuglog.New(&sb)
	if !l.Enabled() {
		t.Fatal("Enabled() = false for a non-nil-output logger")
	}

	l.Logf("hello %s", "world")

	if !strings.Contains(sb.String(), "hello world") {
		t.Errorf("output = %q, want it to contain %q", sb.String(), "hello world")
	}
}

func Test_SessionEvent_Includes_Id_And_Event(t *testing.T) {
	t.Parallel()

	var sb strings.Builder

	l := debuglog.New(&sb)
	l.SessionEvent("sess-42", "reaped")

	out := sb.String()
	if !strings.Contains(out, "sess-42") || !strings.Contains(out, "reaped") {
		t.Errorf("output = %q, want it to mention session id and event", out)
	}
}

func Test_ReapSweep_Zero_Is_Silent(t *testing.T) {
	t.Parallel()

	var sb strings.Builder

	l := debuglog.New(&sb)
	l.ReapSweep(0)

	if sb.Len() != 0 {
		t.Errorf("ReapSweep(0) wrote %q, want nothing", sb.String())
	}
}

func Test_Printf_Matches_Logf(t *testing.T) {
	t.Parallel()

	var sbLogf, sbPrintf strings.Builder

	debuglog.New(&sbLogf).Logf("value=%d", 7)
	debuglog.New(&sbPrintf).Printf("value=%d", 7)

	if sbLogf.String() != sbPrintf.String() {
		t.Errorf("Printf() output %q differs from Logf() output %q", sbPrintf.String(), sbLogf.String())
	}
}
