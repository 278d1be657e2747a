// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package listeners

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func TestListenersAddGetDelete(t *testing.T) {
	l := New()
	mock := NewMockListener("m1", ":0")
	l.Add(mock)

	got, ok := l.Get("m1")
	require.True(t, ok)
	require.Equal(t, mock, got)
	require.Equal(t, 1, l.Len())

	l.Delete("m1")
	_, ok = l.Get("m1")
	require.False(t, ok)
}

func TestListenersServeAndCloseAll(t *testing.T) {
	l := New()
	mock := NewMockListener("m1", ":0")
	require.NoError(t, mock.Init(logger))
	l.Add(mock)

	l.ServeAll(MockEstablisher)
	require.Eventually(t, mock.IsServing, time.Second, time.Millisecond)

	closed := make(chan string, 1)
	l.CloseAll(func(id string) {
		closed <- id
	})
	require.Equal(t, "m1", <-closed)
	require.False(t, mock.IsServing())
}

func TestMockListenerInitFailure(t *testing.T) {
	mock := NewMockListener("m1", ":0")
	mock.ErrListen = true
	require.Error(t, mock.Init(logger))
}
