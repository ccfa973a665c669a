package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Contains(t, ms[0].SQL, "CREATE TABLE IF NOT EXISTS projects")
	for i := 1; i < len(ms); i++ {
		assert.Greater(t, ms[i].Version, ms[i-1].Version)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header comment; with a semicolon
CREATE TABLE a (x INTEGER);

-- only a comment
CREATE INDEX idx_a ON a (x);
   ;
`
	assert.Equal(t, []string{
		"CREATE TABLE a (x INTEGER)",
		"CREATE INDEX idx_a ON a (x)",
	}, splitStatements(script))
}
