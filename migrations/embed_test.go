package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/pkg/migrations"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	ups, err := migrations.Load(FS(""), migrations.Up)
	require.NoError(t, err)
	downs, err := migrations.Load(FS(""), migrations.Down)
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Equal(t, "000001", ups[0].Version)
	assert.Equal(t, migrations.Versions(ups), migrations.Versions(downs), "every up has a down")
}
