package screen

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wisp-im/wisp/internal/call"
)

func newTestEngine(t *testing.T, script string) *Engine {
	t.Helper()
	dir := t.TempDir()
	if script != "" {
		if err := os.WriteFile(filepath.Join(dir, ScriptName), []byte(script), 0644); err != nil {
			t.Fatal(err)
		}
	}
	e, err := NewEngine(dir, time.Second)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestNoScriptRingsNormally(t *testing.T) {
	e := newTestEngine(t, "")
	if v := e.Verdict("acct", "bob", []call.MediaKind{call.MediaAudio}); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring", v)
	}
}

func TestRejectVerdict(t *testing.T) {
	e := newTestEngine(t, `
function screen(peer, account, media)
  if peer == "spam" then
    return "reject"
  end
  return "ring"
end
`)
	if v := e.Verdict("acct", "spam", nil); v != call.VerdictReject {
		t.Fatalf("verdict = %q, want reject", v)
	}
	if v := e.Verdict("acct", "bob", nil); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring", v)
	}
}

func TestSilenceVerdictSeesMedia(t *testing.T) {
	e := newTestEngine(t, `
function screen(peer, account, media)
  for _, m in ipairs(media) do
    if m == "video" then
      return "silence"
    end
  end
end
`)
	v := e.Verdict("acct", "bob", []call.MediaKind{call.MediaAudio, call.MediaVideo})
	if v != call.VerdictSilence {
		t.Fatalf("verdict = %q, want silence", v)
	}
	if v := e.Verdict("acct", "bob", []call.MediaKind{call.MediaAudio}); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring", v)
	}
}

func TestBrokenScriptFailsOpen(t *testing.T) {
	e := newTestEngine(t, `
function screen(peer, account, media)
  error("boom")
end
`)
	if v := e.Verdict("acct", "bob", nil); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring on script error", v)
	}
}

func TestMissingEntryPointFailsOpen(t *testing.T) {
	e := newTestEngine(t, `local x = 1`)
	if v := e.Verdict("acct", "bob", nil); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring", v)
	}
}

func TestTimeoutFailsOpen(t *testing.T) {
	dir := t.TempDir()
	script := `
function screen(peer, account, media)
  while true do end
end
`
	if err := os.WriteFile(filepath.Join(dir, ScriptName), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)

	if v := e.Verdict("acct", "bob", nil); v != call.VerdictRing {
		t.Fatalf("verdict = %q, want ring on timeout", v)
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	e, err := NewEngine(dir, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)

	if v := e.Verdict("acct", "spam", nil); v != call.VerdictRing {
		t.Fatalf("verdict before script = %q", v)
	}

	script := `
function screen(peer, account, media)
  return "reject"
end
`
	if err := os.WriteFile(filepath.Join(dir, ScriptName), []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Verdict("acct", "spam", nil) == call.VerdictReject {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("script change not picked up")
}
