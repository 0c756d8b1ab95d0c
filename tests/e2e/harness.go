package e2e

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"
)

// systemUnderTest abstracts where the server comes from: a process we
// launched (restartable, for crash tests), an already-running server, or
// a stub that fails every request.
type systemUnderTest struct {
	BaseURL  string
	shutdown func()
	restart  func(t *testing.T)
}

func (s *systemUnderTest) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
}

// startSystemUnderTest picks the server source from the environment.
// MS_SERVER_CMD launches the given shell command with MS_HTTP_ADDR,
// MS_DATA_DIR and MS_DEV_MODE set; MS_SERVER_URL points at an external
// server we do not control. With neither set, a stub answering 501
// stands in so the suite reports failures instead of hanging.
func startSystemUnderTest(t *testing.T) *systemUnderTest {
	t.Helper()

	if cmd := os.Getenv("MS_SERVER_CMD"); cmd != "" {
		return launchServerProcess(t, cmd)
	}
	if url := os.Getenv("MS_SERVER_URL"); url != "" {
		t.Logf("using external server at %s (no restart support)", url)
		return &systemUnderTest{BaseURL: url, shutdown: func() {}}
	}

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"no server under test"}}`))
	}))
	t.Log("MS_SERVER_CMD and MS_SERVER_URL unset; tests run against a stub and will fail")
	return &systemUnderTest{BaseURL: stub.URL, shutdown: stub.Close}
}

func launchServerProcess(t *testing.T, command string) *systemUnderTest {
	t.Helper()

	dataDir, err := os.MkdirTemp("", "modelstore-e2e-*")
	if err != nil {
		t.Fatalf("create data dir: %v", err)
	}
	addr, err := freeAddr()
	if err != nil {
		t.Fatalf("pick listen addr: %v", err)
	}
	baseURL := "http://" + addr

	start := func() (*exec.Cmd, error) {
		cmd := exec.Command("/bin/sh", "-c", command)
		cmd.Env = append(os.Environ(),
			"MS_HTTP_ADDR="+addr,
			"MS_DATA_DIR="+dataDir,
			"MS_DEV_MODE=1",
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %q: %w", command, err)
		}
		if err := waitForHealthy(baseURL, 10*time.Second); err != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			return nil, err
		}
		return cmd, nil
	}
	stop := func(cmd *exec.Cmd) {
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}

	proc, err := start()
	if err != nil {
		_ = os.RemoveAll(dataDir)
		t.Fatalf("launch server: %v", err)
	}

	return &systemUnderTest{
		BaseURL: baseURL,
		shutdown: func() {
			stop(proc)
			_ = os.RemoveAll(dataDir)
		},
		// restart kills the process without cleanup and brings it back on
		// the same data dir, simulating a crash plus recovery.
		restart: func(t *testing.T) {
			t.Helper()
			stop(proc)
			next, err := start()
			if err != nil {
				t.Fatalf("restart server: %v", err)
			}
			proc = next
		},
	}
}

func waitForHealthy(baseURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("server at %s not healthy after %s", baseURL, timeout)
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
