package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"010_later.up.sql", "002_next.up.sql", "002_next.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	ups, err := listMigrations(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) != 2 || ups[0].version != 2 || ups[1].version != 10 {
		t.Errorf("ups = %+v", ups)
	}

	downs, _ := listMigrations(dir, ".down.sql")
	if len(downs) != 1 || downs[0].file != "002_next.down.sql" {
		t.Errorf("downs = %+v", downs)
	}
}

func TestVersionFromFile(t *testing.T) {
	if v, err := versionFromFile("001_init.up.sql"); err != nil || v != 1 {
		t.Errorf("got %d, %v", v, err)
	}
	if _, err := versionFromFile("init.sql"); err == nil {
		t.Error("expected error for missing prefix")
	}
}
