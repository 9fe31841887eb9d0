package rerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindTimeout, "deadline elapsed")
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindTimeout, kind)

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket reset")
	err := Wrap(KindLinkLost, cause, "grace window elapsed")
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "socket reset")
}

func TestIsComparesKindNotMessage(t *testing.T) {
	a := New(KindQueueOverflow, "session s1 queue full")
	b := New(KindQueueOverflow, "session s2 queue full")
	require.True(t, errors.Is(a, b))

	c := New(KindTimeout, "session s1 queue full")
	require.False(t, errors.Is(a, c))
}

func TestErrorStringIncludesKind(t *testing.T) {
	err := New(KindTabOwnershipConflict, "tab %d owned by another session", 101)
	require.Equal(t, fmt.Sprintf("%s: tab 101 owned by another session", KindTabOwnershipConflict), err.Error())
}
