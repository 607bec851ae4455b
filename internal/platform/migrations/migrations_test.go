package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSourceHasSequentialUpDownPairs(t *testing.T) {
	src, err := iofs.New(files, ".")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err, "embedded migrations must not be empty")

	version := first
	count := 1
	for {
		_, identifier, err := src.ReadUp(version)
		require.NoErrorf(t, err, "version %d missing an .up.sql file", version)
		assert.NotEmpty(t, identifier)

		_, _, err = src.ReadDown(version)
		require.NoErrorf(t, err, "version %d missing a .down.sql file", version)

		next, err := src.Next(version)
		if err == source.ErrNotExist || err != nil {
			break
		}
		version = next
		count++
	}

	assert.GreaterOrEqual(t, count, 5, "schema should define labs, nodes, node_states, links and agents at minimum")
}
