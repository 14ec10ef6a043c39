package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_PhaseFractionsMustSumToOne(t *testing.T) {
	s := Default()
	s.PhaseFractions = [4]float64{0.5, 0.5, 0.5, 0.5}
	require.Error(t, s.Validate())
}

func TestValidate_RejectsZeroSelectionK(t *testing.T) {
	s := Default()
	s.SelectionK = 0
	require.Error(t, s.Validate())
}

func TestLoadTOML_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subnet.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
selection_k = 16
min_peer_reports = 3
`), 0o600))

	s, err := LoadTOML(path, Default())
	require.NoError(t, err)
	require.Equal(t, 16, s.SelectionK)
	require.Equal(t, 3, s.MinPeerReports)
	// Untouched fields retain their defaults.
	require.Equal(t, Default().DeltaTrust, s.DeltaTrust)
}

func TestPhaseLength(t *testing.T) {
	s := Default()
	total := 0.0
	for i := 0; i < 4; i++ {
		total += s.PhaseLength(i).Seconds()
	}
	require.True(t, absDiff(total, s.SlotLength.Seconds()) < 1e-9)
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
