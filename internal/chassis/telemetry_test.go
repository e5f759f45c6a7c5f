package chassis

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func dialTelemetry(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/telemetry"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial telemetry: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitWatchers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Watchers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d watchers, have %d", n, h.Watchers())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTelemetryStreamsAppliedCommands(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, logging.NewRecorder(0))
	c := New(Options{Log: logging.NewRecorder(0), Watchers: hub})
	defer c.Close()
	srv := httptest.NewServer(NewStatusRouter("robot-a", nil, zerolog.Nop(), func() Status {
		return c.Snapshot(Status{Node: "robot-a", Watchers: hub.Watchers()})
	}, hub))
	defer srv.Close()

	conn := dialTelemetry(t, srv)
	waitWatchers(t, hub, 1)

	c.Drive(90, 0.5)
	c.Stop()

	var got []Command
	for len(got) < 2 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			t.Fatalf("read telemetry: %v", err)
		}
		got = append(got, cmd)
	}
	if got[0].Kind != message.KindDrive || got[0].Heading != 90 || got[0].Throttle != 0.5 {
		t.Fatalf("unexpected first command %+v", got[0])
	}
	if got[1].Kind != message.KindDriveStop {
		t.Fatalf("unexpected second command %+v", got[1])
	}
}

func TestTelemetryDropsDepartedWatchers(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, logging.NewRecorder(0))
	srv := httptest.NewServer(NewStatusRouter("robot-a", nil, zerolog.Nop(), func() Status {
		return Status{Node: "robot-a"}
	}, hub))
	defer srv.Close()

	conn := dialTelemetry(t, srv)
	waitWatchers(t, hub, 1)
	_ = conn.Close()
	waitWatchers(t, hub, 0)

	// No watchers left: broadcasting is a no-op.
	hub.Broadcast(Command{Kind: message.KindDriveStop})
}

func TestTelemetryChecksOrigin(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	hub := NewHub([]string{"http://console.local:3000"}, logging.NewRecorder(0))
	srv := httptest.NewServer(NewStatusRouter("robot-a", []string{"http://console.local:3000"}, zerolog.Nop(), func() Status {
		return Status{Node: "robot-a"}
	}, hub))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/telemetry"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		_ = conn.Close()
		t.Fatalf("foreign origin was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign origin, got resp=%v err=%v", resp, err)
	}

	header = http.Header{"Origin": []string{"http://console.local:3000"}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("configured origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestTelemetryWriteDeadlineDropsStalledWatcher(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, logging.NewRecorder(0))
	srv := httptest.NewServer(NewStatusRouter("robot-a", nil, zerolog.Nop(), func() Status {
		return Status{Node: "robot-a"}
	}, hub))
	defer srv.Close()

	// The watcher never reads, so the socket buffers fill up.
	dialTelemetry(t, srv)
	waitWatchers(t, hub, 1)

	big := Command{Kind: message.Kind(strings.Repeat("x", 64*1024))}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2048 && hub.Watchers() > 0; i++ {
			hub.Broadcast(big)
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("broadcast blocked on a stalled watcher")
	}
	if hub.Watchers() != 0 {
		t.Fatalf("stalled watcher was not dropped")
	}
}
