package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:54321", true},
		{"127.0.0.53:80", true},
		{"[::1]:54321", true},
		{"::1", true},
		{"[::ffff:127.0.0.1]:1234", true},
		{"localhost:8080", true},
		{"LOCALHOST:8080", true},
		{"192.168.1.10:54321", false},
		{"10.0.0.1:80", false},
		{"[2001:db8::1]:443", false},
		{"example.com:80", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isLoopbackAddr(tc.addr), "addr %q", tc.addr)
	}
}

func TestOriginAllowed(t *testing.T) {
	require.True(t, originAllowed(""))
	require.True(t, originAllowed("chrome-extension://abcdefghijklmnop"))
	require.False(t, originAllowed("https://evil.example"))
	require.False(t, originAllowed("http://127.0.0.1:18792"))
	require.False(t, originAllowed("null"))
}
