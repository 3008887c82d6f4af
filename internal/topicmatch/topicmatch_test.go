package topicmatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/b/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", false},
		{"a/b/#", "a/b", false},
		{"factory/+/temp", "factory/line1/temp", true},
		{"factory/+/temp", "factory/line1/pressure", false},
		{"#", "anything/at/all", true},
	}
	for _, tc := range cases {
		got := Match(tc.pattern, tc.topic)
		require.Equalf(t, tc.want, got, "pattern=%q topic=%q", tc.pattern, tc.topic)
	}
}

func TestCompileRejectsHashNotLast(t *testing.T) {
	_, err := Compile("a/#/b")
	require.Error(t, err)
}

func TestIsSparkplugB(t *testing.T) {
	require.True(t, IsSparkplugB("spBv1.0/group/DDATA/node"))
	require.False(t, IsSparkplugB("uns/a/b"))
}
