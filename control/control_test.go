package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/cerebro/dispatch"
	"github.com/sdss/cerebro/errors"
	"github.com/sdss/cerebro/sink"
	"github.com/sdss/cerebro/source"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	mu         sync.Mutex
	restarts   []string
	restartErr error
}

func (f *fakeController) Status() dispatch.Status {
	return dispatch.Status{
		Sources: []source.Status{
			{Name: "weather", Kind: "tcp-text", State: "running"},
		},
		Sinks: []sink.Status{
			{Name: "store", Kind: "influxdb", BufferedCount: 3},
		},
	}
}

func (f *fakeController) RestartSource(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	if f.restartErr != nil {
		return f.restartErr
	}
	if name == "ghost" {
		return errors.NotFound("hub", "source", name)
	}
	return nil
}

func (f *fakeController) restarted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restarts...)
}

func startTestServer(t *testing.T, deps Deps) (string, *Server) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	srv, err := NewServer(Config{Socket: socket}, deps)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return socket, srv
}

func exchange(t *testing.T, socket, request string) string {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "%s\n", request)
	require.NoError(t, err)
	resp, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(resp)
}

func TestServer_StatusReturnsSingleJSONLine(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})

	resp := exchange(t, socket, "status")
	assert.NotContains(t, resp, "\n")

	var st dispatch.Status
	require.NoError(t, json.Unmarshal([]byte(resp), &st))
	require.Len(t, st.Sources, 1)
	assert.Equal(t, "weather", st.Sources[0].Name)
	assert.Equal(t, "running", st.Sources[0].State)
	require.Len(t, st.Sinks, 1)
	assert.Equal(t, 3, st.Sinks[0].BufferedCount)
}

func TestServer_RestartReplies(t *testing.T) {
	ctrl := &fakeController{}
	socket, _ := startTestServer(t, Deps{Controller: ctrl})

	assert.Equal(t, "ok", exchange(t, socket, "restart weather"))
	assert.Equal(t, []string{"weather"}, ctrl.restarted())

	assert.Equal(t, "error: not found", exchange(t, socket, "restart ghost"))
}

func TestServer_RestartReportsFailureCause(t *testing.T) {
	ctrl := &fakeController{restartErr: errors.Wrap(errors.ErrConnectionTimeout, "hub", "RestartSource", "await task")}
	socket, _ := startTestServer(t, Deps{Controller: ctrl})

	resp := exchange(t, socket, "restart weather")
	assert.True(t, strings.HasPrefix(resp, "error: "), "got %q", resp)
	assert.Contains(t, resp, "connection timeout")
}

func TestServer_UnknownCommand(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})
	assert.Equal(t, "error: unknown command", exchange(t, socket, "reboot"))
}

func TestServer_MalformedRequests(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})

	assert.Equal(t, "error: malformed request", exchange(t, socket, ""))
	assert.Equal(t, "error: malformed request", exchange(t, socket, "restart"))
	assert.Equal(t, "error: malformed request", exchange(t, socket, "restart a b"))
	assert.Equal(t, "error: malformed request", exchange(t, socket, "status verbose"))
}

func TestServer_OneExchangePerConnection(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "status\n")
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	fmt.Fprintf(conn, "status\n")
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadString('\n')
	require.Error(t, err, "server closes after one exchange")
}

func TestServer_ConcurrentConnections(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("unix", socket)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			fmt.Fprintf(conn, "status\n")
			resp, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(resp, "weather") {
				errs <- fmt.Errorf("unexpected response %q", resp)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent exchange: %v", err)
	}
}

func TestServer_StaleSocketReplaced(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, os.WriteFile(socket, nil, 0o600))

	srv, err := NewServer(Config{Socket: socket}, Deps{Controller: &fakeController{}, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(time.Second)

	assert.Equal(t, "ok", exchange(t, socket, "restart weather"))
}

func TestServer_LiveSocketRefused(t *testing.T) {
	socket, _ := startTestServer(t, Deps{Controller: &fakeController{}})

	second, err := NewServer(Config{Socket: socket}, Deps{Controller: &fakeController{}, Logger: testLogger()})
	require.NoError(t, err)
	err = second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestServer_StopRemovesSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	srv, err := NewServer(Config{Socket: socket}, Deps{Controller: &fakeController{}, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	require.NoError(t, srv.Stop(time.Second))
	_, statErr := os.Stat(socket)
	assert.True(t, os.IsNotExist(statErr), "socket file removed on stop")

	assert.NoError(t, srv.Stop(time.Second), "second stop is a no-op")
}

func TestClient_RoundTrips(t *testing.T) {
	ctrl := &fakeController{}
	stopped := make(chan struct{})
	var stopOnce sync.Once
	socket, _ := startTestServer(t, Deps{
		Controller: ctrl,
		Shutdown:   func() { stopOnce.Do(func() { close(stopped) }) },
	})

	client := NewClient(socket, time.Second)

	st, err := client.Status()
	require.NoError(t, err)
	require.Len(t, st.Sources, 1)
	assert.Equal(t, "weather", st.Sources[0].Name)

	require.NoError(t, client.Restart("weather"))
	err = client.Restart("ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, client.Stop())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop command did not reach the shutdown hook")
	}
}

func TestClient_DialFailure(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nope.sock"), 200*time.Millisecond)
	_, err := client.Status()
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}
