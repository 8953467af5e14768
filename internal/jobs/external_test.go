package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/config"
	"github.com/vaultcron/vaultcron/internal/errs"
)

func TestRunExternalDumpCmd_NoDumpCmd(t *testing.T) {
	_, err := runExternalDumpCmd(context.Background(), config.Source{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestRunExternalDumpCmd_CommandFails(t *testing.T) {
	src := config.Source{DumpCmd: "exit 1"}
	_, err := runExternalDumpCmd(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDumpFailed)
}

func TestRunExternalDumpCmd_InvalidJSON(t *testing.T) {
	src := config.Source{DumpCmd: "echo not-json"}
	_, err := runExternalDumpCmd(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExternalDescriptor)
}

func TestRunExternalDumpCmd_MissingFields(t *testing.T) {
	src := config.Source{DumpCmd: `echo '{"full_path":"/tmp/x"}'`}
	_, err := runExternalDumpCmd(context.Background(), src)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrExternalDescriptor)
}

func TestRunExternalDumpCmd_Valid(t *testing.T) {
	src := config.Source{DumpCmd: `echo '{"full_path":"/tmp/dump.sql","basename":"dump","extension":"sql","gzip":true}'`}
	desc, err := runExternalDumpCmd(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dump.sql", desc.FullPath)
	assert.Equal(t, "dump", desc.Basename)
	assert.Equal(t, "sql", desc.Ext)
	assert.True(t, desc.Gzip)
}

func TestCanonicalExternalName(t *testing.T) {
	desc := &externalDescriptor{Basename: "dump", Ext: "sql", Gzip: false}
	assert.Equal(t, "dump_2026-07-30_12-00.sql", canonicalExternalName(desc, "2026-07-30_12-00"))

	desc.Gzip = true
	assert.Equal(t, "dump_2026-07-30_12-00.sql.gz", canonicalExternalName(desc, "2026-07-30_12-00"))
}
