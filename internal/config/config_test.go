package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "etl_config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
aws:
  s3:
    bucket_name: genomes-bucket
  rds:
    connection_string: "user:pass@tcp(127.0.0.1:3306)/catalog"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Processing.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Processing.Workers)
	}
	if cfg.Processing.DBMaxConnections != 6 {
		t.Errorf("db_max_connections = %d, want 6 (workers+2)", cfg.Processing.DBMaxConnections)
	}
	if len(cfg.Sources.Order) != 3 {
		t.Errorf("sources.order = %v, want 3 entries", cfg.Sources.Order)
	}
	if cfg.Sources.NCBI.BatchSize != 50 {
		t.Errorf("ncbi.batch_size = %d, want 50", cfg.Sources.NCBI.BatchSize)
	}
}

func TestLoadDBMaxConnectionsFloor(t *testing.T) {
	path := writeConfig(t, `
aws:
  s3:
    bucket_name: b
  rds:
    connection_string: "c"
processing:
  workers: 10
  db_max_connections: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Processing.DBMaxConnections != 12 {
		t.Errorf("db_max_connections = %d, want floor of workers+2=12", cfg.Processing.DBMaxConnections)
	}
}

func TestLoadRejectsUnknownSource(t *testing.T) {
	path := writeConfig(t, `
aws:
  s3:
    bucket_name: b
  rds:
    connection_string: "c"
sources:
  order: ["ncbi", "bogus"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown source in sources.order")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
