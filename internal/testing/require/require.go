// Package require offers fail-fast test assertions in the style of
// testify's require package, wrapping *testing.T so callers don't import
// testify directly in every _test.go file across the repo.
package require

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
)

// NoError fails the test immediately if err is non-nil.
func NoError(t testing.TB, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf("%sunexpected error: %v", prefix(msgAndArgs), err)
	}
}

// Error fails the test immediately if err is nil.
func Error(t testing.TB, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err == nil {
		t.Fatalf("%sexpected an error, got nil", prefix(msgAndArgs))
	}
}

// Equal fails the test immediately if want != got.
func Equal(t testing.TB, want, got interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("%svalues not equal:\n want: %#v\n got:  %#v", prefix(msgAndArgs), want, got)
	}
}

// DeepEqual is an alias of Equal kept for readability at call sites
// comparing composite values, matching the teacher's naming.
func DeepEqual(t testing.TB, want, got interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	Equal(t, want, got, msgAndArgs...)
}

// True fails the test immediately if ok is false.
func True(t testing.TB, ok bool, msgAndArgs ...interface{}) {
	t.Helper()
	if !ok {
		t.Fatalf("%sexpected condition to be true", prefix(msgAndArgs))
	}
}

// NotNil fails the test immediately if v is nil.
func NotNil(t testing.TB, v interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		t.Fatalf("%sexpected non-nil value", prefix(msgAndArgs))
	}
}

// LogsContain fails the test if the hooked logger never emitted a message
// containing the given substring.
func LogsContain(t testing.TB, hook *test.Hook, want string) {
	t.Helper()
	for _, entry := range hook.AllEntries() {
		if msg, err := entry.String(); err == nil && contains(msg, want) {
			return
		}
	}
	t.Fatalf("logs did not contain %q", want)
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func prefix(msgAndArgs []interface{}) string {
	if len(msgAndArgs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: ", fmt.Sprint(msgAndArgs...))
}
