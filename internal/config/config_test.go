package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_Load_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.DateFormat != "2006-01-02" {
		t.Errorf("unexpected default date format: %q", cfg.DateFormat)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("default config was not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("failed to reload written config: %v", err)
	}
	if len(again.Datasets) != len(cfg.Datasets) {
		t.Errorf("dataset count changed on reload: %d != %d", len(again.Datasets), len(cfg.Datasets))
	}
}

func Test_Load_RequiresDateFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "listen: 127.0.0.1:9000\nsentinel: \"-\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected an error for a config without date_format")
	}
	if !strings.Contains(err.Error(), "DateFormat") {
		t.Errorf("error should name the missing field: %v", err)
	}
}

func Test_Validate_RejectsDuplicateDatasetIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Datasets = append(cfg.Datasets, cfg.Datasets[0])

	if err := cfg.Validate(); err == nil {
		t.Error("expected duplicate dataset ids to be rejected")
	}
}

func Test_Validate_DatasetIDIsSlug(t *testing.T) {
	for _, id := range []string{"dev", "support-exposure", "team_2"} {
		cfg := DefaultConfig()
		cfg.Datasets[0].ID = id
		if err := cfg.Validate(); err != nil {
			t.Errorf("id %q should be accepted: %v", id, err)
		}
	}
	for _, id := range []string{"../x_", `a"-b`, "-dev", "dev/ops", "dev ops", "é_1"} {
		cfg := DefaultConfig()
		cfg.Datasets[0].ID = id
		if err := cfg.Validate(); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}

func Test_Validate_RejectsBadCron(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactCron = "every monday"

	if err := cfg.Validate(); err == nil {
		t.Error("expected an invalid cron expression to be rejected")
	}
}

func Test_Validate_StagingNeedsDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Staging = StagingConfig{Enabled: true}

	if err := cfg.Validate(); err == nil {
		t.Error("expected enabled staging without dir to be rejected")
	}
}

func Test_ParseDateLayout_Variants(t *testing.T) {
	cases := map[string]string{
		"2006-01-02": "2006-01-02",
		"YYYY-MM-DD": "2006-01-02",
		"DD-MM-YYYY": "02-01-2006",
		"02-01-2006": "02-01-2006",
	}
	for in, want := range cases {
		got, err := ParseDateLayout(in)
		if err != nil {
			t.Errorf("ParseDateLayout(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDateLayout(%q) = %q, want %q", in, got, want)
		}
	}

	for _, bad := range []string{"", "2006-01", "hello"} {
		if _, err := ParseDateLayout(bad); err == nil {
			t.Errorf("ParseDateLayout(%q) should fail", bad)
		}
	}
}
