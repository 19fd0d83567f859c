package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/notify-gate/internal/config"
)

func useTempStore(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "gate.db"))
	t.Setenv("MARKER_PATH", filepath.Join(dir, "markers"))
	t.Setenv("KILL_SWITCH", "")
	t.Setenv("BUSINESS_HOURS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKillSwitch_OnStatusOffAndEvents(t *testing.T) {
	useTempStore(t)

	out, err := run(t, "killswitch", "on", "--reason", "carrier outage", "--actor", "alice")
	if err != nil {
		t.Fatalf("on: %v", err)
	}
	if !strings.Contains(out, "kill switch: ON") || !strings.Contains(out, "reason: carrier outage") {
		t.Fatalf("on output:\n%s", out)
	}

	out, err = run(t, "killswitch", "status")
	if err != nil || !strings.Contains(out, "kill switch: ON") || !strings.Contains(out, "by alice") {
		t.Fatalf("status err=%v output:\n%s", err, out)
	}

	out, err = run(t, "killswitch", "off", "--actor", "bob")
	if err != nil || !strings.Contains(out, "kill switch: OFF") {
		t.Fatalf("off err=%v output:\n%s", err, out)
	}

	out, err = run(t, "events", "--type", "kill_switch_activated")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "alice") || !strings.Contains(out, "carrier outage") || strings.Contains(out, "bob") {
		t.Fatalf("events output:\n%s", out)
	}
}

func TestKillSwitch_StatusNeverSet(t *testing.T) {
	useTempStore(t)
	out, err := run(t, "killswitch", "status")
	if err != nil || !strings.Contains(out, "kill switch: OFF") || !strings.Contains(out, "never set") {
		t.Fatalf("status err=%v output:\n%s", err, out)
	}
}

func TestKillSwitch_OnRequiresReason(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "killswitch", "on"); err == nil {
		t.Fatal("expected error without --reason")
	}
}

func TestKillSwitch_OffWhileForcedByEnv(t *testing.T) {
	useTempStore(t)
	t.Setenv("KILL_SWITCH", "true")

	out, err := run(t, "killswitch", "off", "--actor", "bob")
	if err == nil {
		t.Fatal("expected error when KILL_SWITCH forces the switch on")
	}
	if !strings.Contains(out, "kill switch: ON") || !strings.Contains(out, "forced on by KILL_SWITCH") {
		t.Fatalf("off output:\n%s", out)
	}
}

func TestEvaluate_SentThenRejected(t *testing.T) {
	useTempStore(t)
	args := []string{"evaluate",
		"--recipient", "5215512345678", "--order", "O-1", "--type", "Welcome",
		"--content", "Hi Ana, thanks for visiting our shop today.",
		"--data", "customer_name=Ana", "--sent"}

	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var first evaluateOutput
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !first.Allowed || first.RecordID == "" || first.DecisionID == "" {
		t.Fatalf("first evaluation: %+v", first)
	}

	out, err = run(t, args...)
	if err != nil {
		t.Fatalf("evaluate again: %v", err)
	}
	var second evaluateOutput
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if second.Allowed || second.RecordID != "" {
		t.Fatalf("second evaluation should be rejected: %+v", second)
	}
}

func TestMarkers_ShowAndForget(t *testing.T) {
	useTempStore(t)
	key := []string{"--recipient", "5215512345678", "--order", "O-7", "--type", "welcome"}

	out, err := run(t, append([]string{"markers", "show"}, key...)...)
	if err != nil || !strings.Contains(out, "marker: none") {
		t.Fatalf("show before send err=%v output:\n%s", err, out)
	}

	if _, err := run(t, append([]string{"evaluate", "--content", "Hi Ana, welcome!",
		"--data", "customer_name=Ana", "--sent"}, key...)...); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	out, err = run(t, append([]string{"markers", "show"}, key...)...)
	if err != nil || !strings.Contains(out, "marker: fresh") {
		t.Fatalf("show after send err=%v output:\n%s", err, out)
	}

	out, err = run(t, append([]string{"markers", "forget", "--actor", "dana"}, key...)...)
	if err != nil || !strings.Contains(out, "marker: cleared") {
		t.Fatalf("forget err=%v output:\n%s", err, out)
	}
	out, err = run(t, append([]string{"markers", "show"}, key...)...)
	if err != nil || !strings.Contains(out, "marker: none") {
		t.Fatalf("show after forget err=%v output:\n%s", err, out)
	}

	out, err = run(t, "events", "--type", "marker_cleared")
	if err != nil || !strings.Contains(out, "dana") || !strings.Contains(out, "O-7") {
		t.Fatalf("events err=%v output:\n%s", err, out)
	}
}

func TestMarkers_RequireKey(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "markers", "forget", "--recipient", "5215512345678"); err == nil {
		t.Fatal("expected error without --order and --type")
	}
}

func TestMarkers_DisabledStore(t *testing.T) {
	useTempStore(t)
	t.Setenv("MARKER_PATH", "off")
	_, err := run(t, "markers", "show", "--recipient", "R1", "--order", "O1", "--type", "welcome")
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestOpenMarkers(t *testing.T) {
	ms, err := openMarkers(config.MarkerConfig{})
	if err != nil || ms != nil {
		t.Fatalf("disabled store: ms=%v err=%v", ms, err)
	}
	if gateMarkers(ms) != nil {
		t.Fatal("nil store must give a nil interface")
	}

	ms, err = openMarkers(config.MarkerConfig{Path: filepath.Join(t.TempDir(), "m"), TTL: time.Hour})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = ms.Close() }()
	if ms.TTL() != time.Hour || gateMarkers(ms) == nil {
		t.Fatalf("unexpected store: ttl=%v", ms.TTL())
	}
}

func TestEvaluate_RequiresFlags(t *testing.T) {
	useTempStore(t)
	if _, err := run(t, "evaluate", "--recipient", "5215512345678"); err == nil {
		t.Fatal("expected missing flag error")
	}
}

func TestLoadDotenv(t *testing.T) {
	const key = "NOTIFYGATE_DOTENV_TEST"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := loadDotenv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if err := loadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadDotenv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv(key); got != "hello" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestOperatorName(t *testing.T) {
	t.Setenv("USER", "carol")
	if got := operatorName("alice"); got != "alice" {
		t.Fatalf("flag should win, got %q", got)
	}
	if got := operatorName(""); got != "carol" {
		t.Fatalf("want $USER, got %q", got)
	}
	t.Setenv("USER", "")
	if got := operatorName(""); got != "cli" {
		t.Fatalf("want cli, got %q", got)
	}
}

func TestQueueConfig(t *testing.T) {
	got := queueConfig(config.QueueConfig{Workers: 4, MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute})
	if got.Workers != 4 || got.MaxAttempts != 5 || got.InitialBackoff != time.Second || got.MaxBackoff != time.Minute {
		t.Fatalf("queueConfig = %+v", got)
	}
}
