package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultcron/vaultcron/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Jobs: []config.Job{
			{Name: "files_etc", Kind: config.KindDescFiles, Destinations: []config.Destination{{Enable: true}}},
			{Name: "files_var", Kind: config.KindIncFiles, Destinations: []config.Destination{{Enable: true}}},
			{Name: "mysql_main", Kind: config.KindMySQL, Destinations: []config.Destination{{Enable: true}}},
			{Name: "postgres_main", Kind: config.KindPostgreSQL, Destinations: []config.Destination{{Enable: true}}},
			{Name: "dump_legacy", Kind: config.KindExternal, Destinations: []config.Destination{{Enable: true}}},
			{Name: "disabled_job", Kind: config.KindRedis, Destinations: []config.Destination{{Enable: false}}},
		},
	}
}

func TestBlockOf(t *testing.T) {
	assert.Equal(t, blockFiles, blockOf(config.KindDescFiles))
	assert.Equal(t, blockFiles, blockOf(config.KindIncFiles))
	assert.Equal(t, blockExternal, blockOf(config.KindExternal))
	assert.Equal(t, blockDatabases, blockOf(config.KindMySQL))
	assert.Equal(t, blockDatabases, blockOf(config.KindPostgreSQL))
	assert.Equal(t, blockDatabases, blockOf(config.KindMongoDB))
	assert.Equal(t, blockDatabases, blockOf(config.KindRedis))
}

func TestSelectJobs_All(t *testing.T) {
	c := &Controller{cfg: testConfig()}
	jobs, err := c.selectJobs("all")
	require.NoError(t, err)

	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	assert.Equal(t, []string{"files_etc", "files_var", "mysql_main", "postgres_main", "disabled_job", "dump_legacy"}, names)
}

func TestSelectJobs_Files(t *testing.T) {
	c := &Controller{cfg: testConfig()}
	jobs, err := c.selectJobs("files")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, blockFiles, blockOf(j.Kind))
	}
}

func TestSelectJobs_ByName(t *testing.T) {
	c := &Controller{cfg: testConfig()}
	jobs, err := c.selectJobs("mysql_main")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "mysql_main", jobs[0].Name)
}

func TestSelectJobs_UnknownName(t *testing.T) {
	c := &Controller{cfg: testConfig()}
	_, err := c.selectJobs("does_not_exist")
	require.Error(t, err)
}

func TestHasEnabledDestination(t *testing.T) {
	assert.True(t, hasEnabledDestination(&config.Job{Destinations: []config.Destination{{Enable: false}, {Enable: true}}}))
	assert.False(t, hasEnabledDestination(&config.Job{Destinations: []config.Destination{{Enable: false}}}))
	assert.False(t, hasEnabledDestination(&config.Job{}))
}
