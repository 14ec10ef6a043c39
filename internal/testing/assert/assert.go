// Package assert offers non-fatal test assertions mirroring
// internal/testing/require, for checks that should report but not abort.
package assert

import (
	"reflect"
	"testing"
)

// Equal reports a test error if want != got, without stopping the test.
func Equal(t testing.TB, want, got interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Errorf("values not equal:\n want: %#v\n got:  %#v (%v)", want, got, msgAndArgs)
	}
}

// DeepEqual is an alias of Equal for composite-value comparisons.
func DeepEqual(t testing.TB, want, got interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	Equal(t, want, got, msgAndArgs...)
}

// NoError reports a test error if err is non-nil.
func NoError(t testing.TB, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v (%v)", err, msgAndArgs)
	}
}

// True reports a test error if ok is false.
func True(t testing.TB, ok bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !ok {
		t.Errorf("expected condition to be true (%v)", msgAndArgs)
	}
}
