package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/subnetlabs/subnet-validator/internal/ids"
	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

func TestHandleStatus_ReportsCurrentState(t *testing.T) {
	s := New("127.0.0.1:0")
	s.SetState(StateActive, "")
	s.SetLastCommittedSlot(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleStatus(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, StateActive, status.NodeState)
	require.Equal(t, ids.SlotNumber(42), status.LastCommittedSlot)
}

func TestSetState_DegradedReasonSurfacesInStatus(t *testing.T) {
	s := New("127.0.0.1:0")
	s.SetState(StateDegraded, "metagraph stale for 3 slots")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.handleStatus(rec, req)

	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.Equal(t, StateDegraded, status.NodeState)
	require.Equal(t, "metagraph stale for 3 slots", status.DegradedReason)
}

func TestServer_StartAndStop(t *testing.T) {
	s := New("127.0.0.1:0")
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
