package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCenter_ExpiresAfterTimeout(t *testing.T) {
	c := New(zaptest.NewLogger(t))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Success("saved")
	sticky := c.Push(Warning, "offline", 0)
	c.Error("failed")

	list := c.List()
	require.Len(t, list, 3)
	require.Equal(t, Success, list[0].Kind)
	require.Equal(t, DefaultTimeout, list[0].Timeout)

	now = now.Add(DefaultTimeout)
	list = c.List()
	require.Len(t, list, 1)
	require.Equal(t, sticky, list[0].ID)

	c.Remove(sticky)
	c.Remove(999)
	require.Empty(t, c.List())
}

func TestCenter_IDsAreUnique(t *testing.T) {
	c := New(nil)
	a := c.Info("a")
	b := c.Info("b")
	require.NotEqual(t, a, b)
	c.Clear()
	require.Empty(t, c.List())
}
