package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/errs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_SimpleDocument(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "main.conf", `
main:
  admin_mail: ops@example.com

jobs:
  - job: db01
    type: mysql
    tmp_dir: /var/tmp/vaultcron
    sources:
      - connect:
          host: 127.0.0.1
          user: backup
        target: ["app_db"]
    storages:
      - storage: local
        enable: true
        backup_dir: /backups/db01
        store:
          days: 7
          weeks: 4
          months: 6
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", cfg.Main.AdminMail)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, KindMySQL, cfg.Jobs[0].Kind)
	assert.Equal(t, 12, cfg.Jobs[0].IncMonthsToStore) // defaulted
	require.Len(t, cfg.Jobs[0].Destinations, 1)
	assert.True(t, cfg.Jobs[0].Destinations[0].Enable)
}

func TestLoad_IncludeScalar(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "jobs.conf", `
- job: files01
  type: desc_files
  tmp_dir: /var/tmp/vaultcron
  sources:
    - target: ["/etc"]
  storages:
    - storage: local
      enable: true
      backup_dir: /backups/files01
      store:
        days: 7
`)
	p := writeFile(t, dir, "main.conf", `
main:
  admin_mail: ops@example.com
jobs: !include jobs.conf
`)

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "files01", cfg.Jobs[0].Name)
}

func TestLoad_ImportCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.conf", `main: !include b.conf`)
	p := writeFile(t, dir, "b.conf", `main: !include a.conf`)

	_, err := Load(p)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestValidate_RejectsUnknownJobType(t *testing.T) {
	cfg := &Config{
		Main: Main{AdminMail: "a@b.com"},
		Jobs: []Job{{
			Name:   "x",
			Kind:   "not_a_kind",
			TmpDir: "/tmp",
			Destinations: []Destination{
				{Kind: DestLocal, Enable: true, BackupDir: "/backups"},
			},
		}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestValidate_RejectsDuplicateJobNames(t *testing.T) {
	job := Job{
		Name: "dup", Kind: KindDescFiles, TmpDir: "/tmp",
		Destinations: []Destination{{Kind: DestLocal, Enable: true, BackupDir: "/b"}},
	}
	cfg := &Config{Main: Main{AdminMail: "a@b.com"}, Jobs: []Job{job, job}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestValidate_RequiresAtLeastOneEnabledDestination(t *testing.T) {
	cfg := &Config{
		Main: Main{AdminMail: "a@b.com"},
		Jobs: []Job{{
			Name: "x", Kind: KindDescFiles, TmpDir: "/tmp",
			Destinations: []Destination{{Kind: DestLocal, Enable: false, BackupDir: "/b"}},
		}},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_SMBRequiresShareAndUser(t *testing.T) {
	cfg := &Config{
		Main: Main{AdminMail: "a@b.com"},
		Jobs: []Job{{
			Name: "x", Kind: KindDescFiles, TmpDir: "/tmp",
			Destinations: []Destination{{Kind: DestSMB, Enable: true, Host: "fs01"}},
		}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestLoopInterval_Defaults(t *testing.T) {
	cfg := Config{Main: Main{}}
	assert.Equal(t, 30, cfg.LoopInterval())

	cfg.Main.LoopInterval = 10
	assert.Equal(t, 10, cfg.LoopInterval())
}
