package saddle

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

type readResult struct {
	pid int
	err error
}

func startReader(ctx context.Context, r *identityReader, path string) <-chan readResult {
	resC := make(chan readResult, 1)
	go func() {
		pid, err := r.readConfirmed(ctx, path)
		resC <- readResult{pid, err}
	}()
	return resC
}

func writeRaw(t *testing.T, path, content string) {
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
}

func TestPublishIdentity(t *testing.T) {
	path := identityPath(t)
	require.NoError(t, publishIdentity(path, 1234))

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1234\n", string(data))

	pid, err := readIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	// overwriting leaves no temporary files behind
	require.NoError(t, publishIdentity(path, 5678))
	entries, err := ioutil.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadIdentityNotReady(t *testing.T) {
	path := identityPath(t)

	_, err := readIdentity(path)
	assert.Equal(t, errIdentityNotReady, err)

	for _, content := range []string{"", "12ab", "-4", "0", "\n"} {
		writeRaw(t, path, content)
		_, err := readIdentity(path)
		assert.Equal(t, errIdentityNotReady, err, "content %q", content)
	}
}

// TestReadConfirmedFirstStableRepeat checks that the reader returns the first
// value it sees twice in a row, even if the writer goes on to write another.
func TestReadConfirmedFirstStableRepeat(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	// writer: A, A, B, B
	writeRaw(t, path, "100")
	resC := startReader(testCtx(t), r, path)

	waitForWaiters(t, clock)
	writeRaw(t, path, "100")
	clock.Step(DefaultIdentityPollInterval)

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, 100, res.pid)
}

// TestReadConfirmedSlowReader checks a reader polling slower than the writer:
// it never sees A twice and settles on B.
func TestReadConfirmedSlowReader(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	writeRaw(t, path, "100")
	resC := startReader(testCtx(t), r, path)

	waitForWaiters(t, clock)
	// A again, then B, both before the reader's next poll
	writeRaw(t, path, "100")
	writeRaw(t, path, "200")
	clock.Step(DefaultIdentityPollInterval)

	waitForWaiters(t, clock)
	select {
	case res := <-resC:
		t.Fatalf("reader returned %v after a single read of B", res)
	default:
	}
	writeRaw(t, path, "200")
	clock.Step(DefaultIdentityPollInterval)

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, 200, res.pid)
}

func TestReadConfirmedPartialWrite(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	writeRaw(t, path, "42")
	resC := startReader(testCtx(t), r, path)

	// a truncate-then-write caught halfway resets the confirmation
	waitForWaiters(t, clock)
	writeRaw(t, path, "")
	clock.Step(DefaultIdentityPollInterval)

	waitForWaiters(t, clock)
	writeRaw(t, path, "4x")
	clock.Step(DefaultIdentityPollInterval)

	waitForWaiters(t, clock)
	writeRaw(t, path, "42\n")
	clock.Step(DefaultIdentityPollInterval)

	waitForWaiters(t, clock)
	select {
	case res := <-resC:
		t.Fatalf("reader returned %v without two consecutive reads", res)
	default:
	}
	clock.Step(DefaultIdentityPollInterval)

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, 42, res.pid)
}

func TestReadConfirmedMissingFile(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	resC := startReader(testCtx(t), r, path)
	for i := 0; i < 3; i++ {
		waitForWaiters(t, clock)
		clock.Step(DefaultIdentityPollInterval)
	}
	require.NoError(t, publishIdentity(path, 7))
	autoStep(t, clock, DefaultIdentityPollInterval)

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, 7, res.pid)
}

func TestReadConfirmedCtxCancel(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	ctx, cancel := context.WithCancel(context.Background())
	resC := startReader(ctx, r, path)
	waitForWaiters(t, clock)
	cancel()

	res := <-resC
	assert.Equal(t, context.Canceled, res.err)
}

func TestWaitExists(t *testing.T) {
	path := identityPath(t)
	clock := fakeclock.NewFakeClock(time.Now())
	r := &identityReader{clock: clock, pollInterval: DefaultIdentityPollInterval, l: l}

	ctx := testCtx(t)
	errC := make(chan error, 1)
	go func() {
		errC <- r.waitExists(ctx, path)
	}()
	waitForWaiters(t, clock)
	f, err := os.Create(path)
	require.NoError(t, err)
	f.Close()
	clock.Step(DefaultIdentityPollInterval)

	require.NoError(t, <-errC)
}
