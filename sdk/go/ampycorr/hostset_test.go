package ampycorr

import (
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostExclusionSet(t *testing.T) {
	s, err := NewHostExclusionSet()
	require.NoError(t, err)

	require.NoError(t, s.Add("excluded.host.com"))
	require.NoError(t, s.Add("https://Mixed.Case.Host:8443/some/path"))
	require.NoError(t, s.Add("bare.host:9000"))

	testCases := []struct {
		target   string
		expected bool
	}{
		{"http://excluded.host.com/path", true},
		{"https://excluded.host.com:443/other?q=1", true},
		{"HTTP://EXCLUDED.HOST.COM", true},
		{"excluded.host.com", true},
		{"http://mixed.case.host", true},
		{"http://bare.host/", true},
		{"http://other.com", false},
		{"http://sub.excluded.host.com", false},
		{"", false},
	}
	for _, tc := range testCases {
		t.Run(tc.target, func(t *testing.T) {
			require.Equal(t, tc.expected, s.Contains(tc.target))
		})
	}
	require.Equal(t, 3, s.Len())
}

func TestHostExclusionSetContainsURL(t *testing.T) {
	s, err := NewHostExclusionSet("excluded.host.com")
	require.NoError(t, err)

	u, err := url.Parse("http://EXCLUDED.host.com:8080/x")
	require.NoError(t, err)
	require.True(t, s.ContainsURL(u))
	require.False(t, s.ContainsURL(nil))

	var nilSet *HostExclusionSet
	require.False(t, nilSet.ContainsURL(u))
	require.False(t, nilSet.Contains("http://excluded.host.com"))
}

func TestHostExclusionSetRejectsInvalidInput(t *testing.T) {
	s, err := NewHostExclusionSet()
	require.NoError(t, err)

	for _, item := range []string{"", "http://[::1", "%zz"} {
		err := s.Add(item)
		require.Error(t, err, item)
		require.True(t, errors.Is(err, ErrInvalidInput), item)
	}

	_, err = NewHostExclusionSet("ok.host", "http://[::1")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDefaultExcludedDomainsParse(t *testing.T) {
	s, err := NewHostExclusionSet(DefaultExcludedDomains...)
	require.NoError(t, err)
	require.True(t, s.Contains("https://core.windows.net/container"))
}
