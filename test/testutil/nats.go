package testutil

import (
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"coopwatch/internal/config"

	"github.com/nats-io/nats.go"
)

// FreePort reserves a local TCP port and returns it to the caller.
// Params: none.
// Returns: free port number or error.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// StartLocalNATSServer starts local nats-server with JetStream enabled.
// Params: test handle; test is skipped when nats-server binary is absent.
// Returns: server URL and stop callback.
func StartLocalNATSServer(tb testing.TB) (string, func()) {
	tb.Helper()

	port, err := FreePort()
	if err != nil {
		tb.Fatalf("free port: %v", err)
	}

	cmd := exec.Command("nats-server", "-js", "-p", strconv.Itoa(port), "-sd", tb.TempDir())
	if err := cmd.Start(); err != nil {
		tb.Skipf("nats-server is required for integration test: %v", err)
	}

	url := "nats://127.0.0.1:" + strconv.Itoa(port)
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			if cmd.Process == nil {
				return
			}
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() {
				_, _ = cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = cmd.Process.Kill()
				<-done
			}
		})
	}
	if !waitForNATS(url, 8*time.Second) {
		stop()
		tb.Fatalf("nats did not become ready at %s", url)
	}
	return url, stop
}

// NATSTestConfig starts server and returns bucket settings for it.
// Params: test handle; server stops on test cleanup.
// Returns: NATS config with create-on-open buckets.
func NATSTestConfig(tb testing.TB) config.NATSConfig {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skip integration test in short mode")
	}
	url, stop := StartLocalNATSServer(tb)
	tb.Cleanup(stop)
	return config.NATSConfig{
		URL:                []string{url},
		AlertsBucket:       "alerts_test",
		SensorsBucket:      "sensors_test",
		SensorsKey:         "current",
		AllowCreateBuckets: true,
		WatchSensors:       true,
	}
}

// WaitFor polls condition until true or timeout.
// Params: test handle, timeout, and condition.
// Returns: none; fails test on timeout.
func WaitFor(tb testing.TB, timeout time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	tb.Fatalf("condition not met within %s", timeout)
}

// waitForNATS waits until a NATS endpoint accepts connections.
// Params: nats URL and timeout.
// Returns: true when reachable.
func waitForNATS(url string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		nc, err := nats.Connect(url)
		if err == nil {
			nc.Close()
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
