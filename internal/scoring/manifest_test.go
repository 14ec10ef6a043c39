package scoring

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

func writeManifest(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "subnet-scorers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadManifest_ParsesSubnetBindings(t *testing.T) {
	path := writeManifest(t, "subnets:\n  - subnet: 1\n    type: exact-match\n  - subnet: 2\n    type: non-empty\n")

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Equal(t, 2, len(m.Subnets))
	require.Equal(t, uint64(1), m.Subnets[0].Subnet)
	require.Equal(t, "exact-match", m.Subnets[0].Type)
}

func TestBuildRegistry_RegistersKnownTypes(t *testing.T) {
	m := Manifest{Subnets: []ManifestEntry{{Subnet: 5, Type: "non-empty"}}}
	r, err := BuildRegistry(m)
	require.NoError(t, err)

	cap, ok := r.Capability(ids.SubnetID(5))
	require.True(t, ok)
	score, err := cap.Grade(context.Background(), TaskPayload{}, Response{Content: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, 1.0, score)
}

func TestBuildRegistry_UnknownTypeErrors(t *testing.T) {
	m := Manifest{Subnets: []ManifestEntry{{Subnet: 5, Type: "does-not-exist"}}}
	_, err := BuildRegistry(m)
	require.Error(t, err)
}

func TestExactMatchCapability_RequiresByteIdenticalReply(t *testing.T) {
	cap := Builtins["exact-match"]
	task, err := cap.Prepare(context.Background(), ids.SubnetID(1), ids.MinerID{0x01})
	require.NoError(t, err)

	score, err := cap.Grade(context.Background(), task, Response{Content: task.Content})
	require.NoError(t, err)
	require.Equal(t, 1.0, score)

	score, err = cap.Grade(context.Background(), task, Response{Content: []byte("wrong")})
	require.NoError(t, err)
	require.Equal(t, 0.0, score)

	_, err = cap.Grade(context.Background(), task, Response{})
	require.Error(t, err)
}
