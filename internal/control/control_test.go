package control

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mkessler/teamloop/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	mu          sync.Mutex
	paused      bool
	pauseReason string
	stopped     bool
}

func (f *fakeLoop) Pause(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauseReason = reason
}

func (f *fakeLoop) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.pauseReason = ""
}

func (f *fakeLoop) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeLoop) Snapshot() loop.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return loop.Status{
		Phase:       "development",
		Iteration:   3,
		Paused:      f.paused,
		PauseReason: f.pauseReason,
	}
}

func startTestServer(t *testing.T) (*Client, *fakeLoop) {
	t.Helper()

	fl := &fakeLoop{}
	sock := filepath.Join(t.TempDir(), "control.sock")

	srv, err := NewServer(sock, fl)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	return NewClient(sock), fl
}

func TestPauseResumeRoundTrip(t *testing.T) {
	client, fl := startTestServer(t)

	resp, err := client.Pause("investigating a flaky agent")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Status.Paused)
	assert.Equal(t, "investigating a flaky agent", resp.Status.PauseReason)
	assert.True(t, fl.paused)

	resp, err = client.Resume()
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.Status.Paused)
	assert.False(t, fl.paused)
}

func TestPauseDefaultsReason(t *testing.T) {
	client, fl := startTestServer(t)

	resp, err := client.Pause("")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "paused by operator", fl.pauseReason)
	assert.True(t, resp.Status.Paused)
}

func TestStopAndStatus(t *testing.T) {
	client, fl := startTestServer(t)

	resp, err := client.Status()
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Status.Iteration)

	resp, err = client.Stop()
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, fl.stopped)
}

func TestUnknownCommandRejected(t *testing.T) {
	client, _ := startTestServer(t)

	resp, err := client.Send(Command{Type: "reboot"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestClientFailsWithoutServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nope.sock"))
	_, err := client.Status()
	require.Error(t, err)
}
