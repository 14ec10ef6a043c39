package runtime

import (
	"testing"

	"github.com/subnetlabs/subnet-validator/internal/testing/require"
)

type recordingService struct {
	name      string
	log       *[]string
	startErr  error
	stopErr   error
	statusErr error
}

func (s *recordingService) Start() error {
	*s.log = append(*s.log, "start:"+s.name)
	return s.startErr
}

func (s *recordingService) Stop() error {
	*s.log = append(*s.log, "stop:"+s.name)
	return s.stopErr
}

func (s *recordingService) Status() error { return s.statusErr }

type serviceA struct{ recordingService }
type serviceB struct{ recordingService }

func TestServiceRegistry_StartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	r := NewServiceRegistry()
	require.NoError(t, r.RegisterService(&serviceA{recordingService{name: "a", log: &log}}))
	require.NoError(t, r.RegisterService(&serviceB{recordingService{name: "b", log: &log}}))

	r.StartAll()
	require.Equal(t, []string{"start:a", "start:b"}, log)

	log = nil
	err := r.StopAll()
	require.NoError(t, err)
	require.Equal(t, []string{"stop:b", "stop:a"}, log)
}

func TestServiceRegistry_DuplicateRegistrationErrors(t *testing.T) {
	r := NewServiceRegistry()
	var log []string
	require.NoError(t, r.RegisterService(&serviceA{recordingService{name: "a", log: &log}}))
	err := r.RegisterService(&serviceA{recordingService{name: "a2", log: &log}})
	require.Error(t, err)
}

func TestServiceRegistry_FetchService(t *testing.T) {
	r := NewServiceRegistry()
	var log []string
	svc := &serviceA{recordingService{name: "a", log: &log}}
	require.NoError(t, r.RegisterService(svc))

	var fetched *serviceA
	require.NoError(t, r.FetchService(&fetched))
	require.Equal(t, svc, fetched)
}

func TestServiceRegistry_StopAllReportsFirstError(t *testing.T) {
	r := NewServiceRegistry()
	var log []string
	failing := &serviceA{recordingService{name: "a", log: &log, stopErr: errBoom}}
	require.NoError(t, r.RegisterService(failing))
	require.NoError(t, r.RegisterService(&serviceB{recordingService{name: "b", log: &log}}))

	err := r.StopAll()
	require.Error(t, err)
	// Both services still get a stop attempt despite the failure.
	require.Equal(t, []string{"stop:b", "stop:a"}, log)
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("boom")
