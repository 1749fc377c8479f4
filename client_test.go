package sparse

import (
	"os"
	"path/filepath"
	"testing"
)

func TestArchiveModuleRoundTrip(t *testing.T) {
	srcDir := filepath.Join(t.TempDir(), "vision")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "main.go"), []byte(echoModuleSource), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &Client{}
	name, archivePath, err := client.ArchiveModule(srcDir)
	if err != nil {
		t.Fatal(err)
	}
	if name != "vision" {
		t.Fatalf("module name = %q, want vision", name)
	}

	dest := t.TempDir()
	if err := unpackArchive(archivePath, dest); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dest, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != echoModuleSource {
		t.Fatal("archived source must round-trip unchanged")
	}
}

func TestUnpackArchiveRejectsEscapingEntries(t *testing.T) {
	archive := writeModuleArchive(t, t.TempDir(), "evil", map[string]string{"../escape.go": "package evil"})

	if err := unpackArchive(archive, t.TempDir()); err == nil {
		t.Fatal("expected an error for an entry escaping the module directory")
	}
}
