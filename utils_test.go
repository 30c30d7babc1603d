package saddle

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	fakeclock "k8s.io/utils/clock/testing"
)

var l = log15.New()

func tmpDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "saddle_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func identityPath(t *testing.T) string {
	return filepath.Join(tmpDir(t), "arbiter.pid")
}

// waitForWaiters blocks until something is waiting on the fake clock.
func waitForWaiters(t *testing.T, c *fakeclock.FakeClock) {
	deadline := time.Now().Add(10 * time.Second)
	for !c.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a clock waiter")
		}
		time.Sleep(time.Millisecond)
	}
}

// autoStep advances c by d whenever something waits on it, until the test
// ends. It turns every poll loop into a fast spin.
func autoStep(t *testing.T, c *fakeclock.FakeClock, d time.Duration) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if c.HasWaiters() {
				c.Step(d)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})
}

// recordingLogger returns a logger that keeps every record it is given.
func recordingLogger() (log15.Logger, func() []*log15.Record) {
	var mu sync.Mutex
	var records []*log15.Record
	logger := log15.New()
	logger.SetHandler(log15.FuncHandler(func(r *log15.Record) error {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, r)
		return nil
	}))
	return logger, func() []*log15.Record {
		mu.Lock()
		defer mu.Unlock()
		return append([]*log15.Record(nil), records...)
	}
}
