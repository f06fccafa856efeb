package desk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const yamlCatalog = `version: 1
desks:
  - name: Billing
    aliases: [pay]
    description: Payments and invoices
    system_prompt: |
      You are the billing desk.
    boundaries:
      writable: [/srv/billing]
      readable:
        - /srv/shared/../invoices
      blocked: [/srv/billing/secrets]
    knowledge:
      - notes/billing.md
  - name: ops
`

func TestReadFileFormats(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "notes", "billing.md"), "Invoices close on the 1st.\n")
	writeFile(t, filepath.Join(dir, "desks.yaml"), yamlCatalog)
	writeFile(t, filepath.Join(dir, "desks.json"), `{"desks":[{"name":"billing","boundaries":{"writable":["/srv/billing"],"blocked":["/etc"]}}]}`)
	writeFile(t, filepath.Join(dir, "desks.toml"), "[[desks]]\nname = \"billing\"\nsystem_prompt = \"Be brief.\"\n\n[desks.boundaries]\nreadable = [\"/srv/reports/\"]\nblocked = [\"/srv/reports/raw\"]\n")

	desks, err := ReadFile(filepath.Join(dir, "desks.yaml"))
	if err != nil {
		t.Fatalf("read yaml: %v", err)
	}
	if len(desks) != 2 {
		t.Fatalf("expected 2 desks, got %d", len(desks))
	}
	billing := desks[0]
	if billing.Name != "billing" || billing.Aliases[0] != "pay" {
		t.Fatalf("unexpected desk: %#v", billing)
	}
	bounds := billing.Boundaries
	if len(bounds.Writable) != 1 || bounds.Writable[0] != "/srv/billing" {
		t.Fatalf("unexpected writable paths: %#v", bounds)
	}
	if len(bounds.Readable) != 1 || bounds.Readable[0] != "/srv/invoices" {
		t.Fatalf("expected cleaned readable path, got %#v", bounds)
	}
	if len(bounds.Blocked) != 1 || bounds.Blocked[0] != "/srv/billing/secrets" {
		t.Fatalf("unexpected blocked paths: %#v", bounds)
	}
	if b := desks[1].Boundaries; len(b.Writable)+len(b.Readable)+len(b.Blocked) != 0 {
		t.Fatalf("desk without boundaries got %#v", desks[1].Boundaries)
	}
	if !strings.Contains(billing.KnowledgeText, "Invoices close on the 1st.") {
		t.Fatalf("knowledge not loaded: %q", billing.KnowledgeText)
	}

	desks, err = ReadFile(filepath.Join(dir, "desks.json"))
	if err != nil || len(desks) != 1 {
		t.Fatalf("unexpected json desks: %#v err=%v", desks, err)
	}
	if b := desks[0].Boundaries; len(b.Writable) != 1 || b.Writable[0] != "/srv/billing" || len(b.Readable) != 0 || len(b.Blocked) != 1 || b.Blocked[0] != "/etc" {
		t.Fatalf("unexpected json boundaries: %#v", b)
	}
	desks, err = ReadFile(filepath.Join(dir, "desks.toml"))
	if err != nil || len(desks) != 1 || desks[0].SystemPrompt != "Be brief." {
		t.Fatalf("unexpected toml desks: %#v err=%v", desks, err)
	}
	if b := desks[0].Boundaries; len(b.Writable) != 0 || len(b.Readable) != 1 || b.Readable[0] != "/srv/reports" || len(b.Blocked) != 1 || b.Blocked[0] != "/srv/reports/raw" {
		t.Fatalf("unexpected toml boundaries: %#v", b)
	}
}

func TestReadFileRejectsBadCatalogs(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"dup.yaml":     "desks:\n  - name: a\n  - name: b\n    aliases: [a]\n",
		"badname.yaml": "desks:\n  - name: \"has space\"\n",
		"missing.yaml": "desks:\n  - name: a\n    knowledge: [nope.md]\n",
		"broken.json":  "{",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		writeFile(t, path, content)
		if _, err := ReadFile(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	path := filepath.Join(dir, "desks.ini")
	writeFile(t, path, "")
	if _, err := ReadFile(path); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCatalogResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desks.yaml")
	writeFile(t, path, "desks:\n  - name: billing\n    aliases: [pay]\n  - name: ops\n")
	catalog, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, token := range []string{"@billing", "#Billing", "pay", "@PAY"} {
		if d, ok := catalog.Resolve(token); !ok || d.Name != "billing" {
			t.Fatalf("Resolve(%q) = %#v, %v", token, d, ok)
		}
	}
	if _, ok := catalog.Resolve("@unknown"); ok {
		t.Fatalf("unknown desk must not resolve")
	}
	if d, ok := catalog.ResolveText("hey @someone can #ops, look at this?"); !ok || d.Name != "ops" {
		t.Fatalf("ResolveText = %#v, %v", d, ok)
	}
	if _, ok := catalog.ResolveText("no mentions here"); ok {
		t.Fatalf("expected no desk")
	}
	if _, ok := NewCatalog("", nil).Resolve("@billing"); ok {
		t.Fatalf("empty catalog must resolve nothing")
	}
}

func TestCatalogReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desks.yaml")
	writeFile(t, path, "desks:\n  - name: billing\n")
	catalog, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	writeFile(t, path, "desks: [")
	if err := catalog.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if _, ok := catalog.Resolve("billing"); !ok {
		t.Fatalf("previous desks must survive a failed reload")
	}
}

func TestCatalogWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desks.yaml")
	writeFile(t, path, "desks:\n  - name: billing\n")
	catalog, err := Load(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- catalog.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for {
		writeFile(t, path, "desks:\n  - name: billing\n  - name: support\n")
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		case <-time.After(300 * time.Millisecond):
		}
		if _, ok := catalog.Resolve("support"); ok {
			return
		}
	}
}

func TestSystemPromptSuffix(t *testing.T) {
	d := Desk{
		Name:          "billing",
		SystemPrompt:  "You handle invoices.",
		KnowledgeText: "## billing.md\n\nNet 30.",
		Boundaries: Boundaries{
			Writable: []string{"/srv/billing"},
			Readable: []string{"/srv/ledger"},
			Blocked:  []string{"/srv/billing/keys"},
		},
	}
	suffix := d.SystemPromptSuffix()
	for _, want := range []string{
		"You handle invoices.",
		"You may modify files under these paths:\n- /srv/billing",
		"You may read, but not modify, files under these paths:\n- /srv/ledger",
		"Never read or modify files under these paths:\n- /srv/billing/keys",
		"Net 30.",
	} {
		if !strings.Contains(suffix, want) {
			t.Fatalf("suffix missing %q:\n%s", want, suffix)
		}
	}
	if (Desk{Name: "empty"}).SystemPromptSuffix() != "" {
		t.Fatalf("empty desk must add nothing")
	}
}

func TestWriteManifestIsCreateOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manifests")
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	billing := Desk{
		Name:       "billing",
		Boundaries: Boundaries{Writable: []string{"/srv/billing"}, Blocked: []string{"/srv/billing/keys"}},
	}
	path, err := WriteManifest(dir, "sess-1", billing, now)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	again, err := WriteManifest(dir, "sess-1", Desk{Name: "ops"}, now.Add(time.Hour))
	if err != nil || again != path {
		t.Fatalf("second write: path=%s err=%v", again, err)
	}
	manifest, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.Desk != "billing" || manifest.SessionID != "sess-1" || !manifest.CreatedAt.Equal(now) {
		t.Fatalf("manifest overwritten or wrong: %#v", manifest)
	}
	b := manifest.Boundaries
	if manifest.Knowledge == nil || b.Readable == nil {
		t.Fatalf("empty lists must be written as []: %#v", manifest)
	}
	if len(b.Writable) != 1 || b.Writable[0] != "/srv/billing" || len(b.Readable) != 0 || len(b.Blocked) != 1 || b.Blocked[0] != "/srv/billing/keys" {
		t.Fatalf("boundaries did not survive the round trip: %#v", b)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read raw manifest: %v", err)
	}
	if !strings.Contains(string(raw), `"readable": []`) {
		t.Fatalf("manifest should list every category:\n%s", raw)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestCreateOnceRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess-2.json")
	if err := createOnce(path, failingReader{}); err == nil {
		t.Fatalf("expected write error")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial manifest left behind: %v", err)
	}
	if err := createOnce(path, strings.NewReader("{}\n")); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}
