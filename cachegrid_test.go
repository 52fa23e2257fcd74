package cachegrid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartLinkRejectsDuplicateName(t *testing.T) {
	o, err := NewOptions("dup-test")
	require.NoError(t, err)
	c, err := StartLink(o, SupervisorOpts{}, nil, nil, nil, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	_, err = StartLink(o, SupervisorOpts{}, nil, nil, nil, testLogger())
	require.ErrorIs(t, err, ErrNameInUse)
}

func TestStartLinkAndLookupRoundTrip(t *testing.T) {
	o, err := NewOptions("lookup-test")
	require.NoError(t, err)
	c, err := StartLink(o, SupervisorOpts{}, nil, nil, nil, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	found, ok := Lookup("lookup-test")
	require.True(t, ok)
	require.Same(t, c, found)

	_, ok = Lookup("does-not-exist")
	require.False(t, ok)
}

func TestCacheHandleForwardsToWorker(t *testing.T) {
	o, err := NewOptions("facade-test")
	require.NoError(t, err)
	c, err := StartLink(o, SupervisorOpts{}, nil, nil, nil, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	status, _, err := c.Set("a", 1)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	status, val, err := c.Get("a")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, 1, val)
}
