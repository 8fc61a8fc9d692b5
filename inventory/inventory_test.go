package inventory

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/store"

	// Blind import support for sqlite3.
	_ "github.com/mattn/go-sqlite3"
)

func float(v float64) *float64 { return &v }

func fixtures() []Node {
	return []Node{
		{MeshIdentity: "a1b2c3d4e5f60718", Name: "Grouse Mountain", Role: RoleRepeater, Latitude: float(49.38), Longitude: float(-123.08), EstimatedRange: 5000, Active: true},
		{MeshIdentity: "ffeeddccbbaa9988", Name: "Burnaby Hill", Role: RoleRepeater, EstimatedRange: 1000},
		{MeshIdentity: "0011223344556677", Name: "Handheld", Role: RoleClient, Active: true},
	}
}

func inventories(t *testing.T) map[string]Inventory {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqlInv, err := NewSQL(context.Background(), db, store.SQLite)
	require.NoError(t, err)
	for _, n := range fixtures() {
		n := n
		_, err := sqlInv.Add(context.Background(), &n)
		require.NoError(t, err)
	}

	return map[string]Inventory{
		"memory": NewMemory(fixtures()...),
		"sqlite": sqlInv,
	}
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	for name, inv := range inventories(t) {
		t.Run(name, func(t *testing.T) {
			n, err := inv.Lookup(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "Grouse Mountain", n.Name)
			require.NotNil(t, n.Latitude)
			assert.Equal(t, 49.38, *n.Latitude)
			assert.Nil(t, n.Altitude)

			_, err = inv.Lookup(ctx, 42)
			assert.True(t, errors.Is(err, ErrTargetUnknown))

			repeater := RoleRepeater
			nodes, err := inv.List(ctx, ListOptions{Role: &repeater, ActiveOnly: true})
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Equal(t, "a1b2c3d4e5f60718", nodes[0].MeshIdentity)

			all, err := inv.List(ctx, ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "Burnaby Hill", all[0].Name)

			_, err = inv.Add(ctx, &Node{MeshIdentity: "a1b2c3d4e5f60718"})
			assert.True(t, errors.Is(err, ErrExists))
		})
	}
}

func TestTarget(t *testing.T) {
	ctx := context.Background()
	inv := NewMemory(fixtures()...)

	n, err := Target(ctx, inv, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.ID)

	for _, id := range []int64{0, 2, 99} {
		_, err := Target(ctx, inv, id)
		assert.True(t, errors.Is(err, ErrTargetUnknown), "id %d: %v", id, err)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Client")
	require.NoError(t, err)
	assert.Equal(t, RoleClient, r)

	r, err = ParseRole("")
	require.NoError(t, err)
	assert.Equal(t, RoleRepeater, r)

	_, err = ParseRole("room-server")
	assert.Error(t, err)
}
