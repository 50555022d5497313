package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isle-portal/isle-sync/internal/jobs"
)

func TestSendSIGHUP_NoServe(t *testing.T) {
	t.Parallel()

	_, err := sendSIGHUP(filepath.Join(t.TempDir(), servePIDFile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running serve")
}

func TestSendSIGHUP_StaleFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), servePIDFile)
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	_, err := sendSIGHUP(path)
	require.Error(t, err)
}

func TestSendSIGHUP_SignalsLockHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), servePIDFile)

	release, err := jobs.AcquireLock(path)
	require.NoError(t, err)
	defer release()

	// This process holds the lock, so it receives the signal itself.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	pid, err := sendSIGHUP(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not received")
	}
}
