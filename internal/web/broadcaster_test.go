package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/treecore/trim/internal/logic/capture"
	"github.com/treecore/trim/internal/logic/motion"
)

// recv decodes the next event on ch into v, failing after a second.
func recv(t *testing.T, ch <-chan string, v interface{}) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		if err := json.Unmarshal([]byte(msg), v); err != nil {
			t.Fatalf("unmarshal %q: %v", msg, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBroadcaster_Messages(t *testing.T) {
	cases := []struct {
		name      string
		send      func(b *StatusBroadcaster)
		wantLevel string
		wantMsg   string
	}{
		{"broadcast", func(b *StatusBroadcaster) { b.Broadcast("warn", "stage slow") }, "warn", "stage slow"},
		{"msg", func(b *StatusBroadcaster) { b.BroadcastMsg("capture saved") }, "info", "capture saved"},
		{"publish", func(b *StatusBroadcaster) { b.Publish(StatusEvent{Level: "error", Msg: "camera lost"}) }, "error", "camera lost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewStatusBroadcaster()
			ch, unsub := b.Subscribe()
			defer unsub()

			tc.send(b)
			var evt StatusEvent
			recv(t, ch, &evt)
			if evt.Level != tc.wantLevel || evt.Msg != tc.wantMsg {
				t.Errorf("got %+v, want level %q msg %q", evt, tc.wantLevel, tc.wantMsg)
			}
			if evt.Time == "" {
				t.Error("event has no timestamp")
			}
		})
	}
}

func TestBroadcaster_Fanout(t *testing.T) {
	b := NewStatusBroadcaster()
	chans := make([]<-chan string, 3)
	for i := range chans {
		ch, unsub := b.Subscribe()
		defer unsub()
		chans[i] = ch
	}
	if b.Clients() != 3 {
		t.Fatalf("Clients = %d, want 3", b.Clients())
	}

	b.BroadcastMsg("frame")
	for i, ch := range chans {
		var evt StatusEvent
		recv(t, ch, &evt)
		if evt.Msg != "frame" {
			t.Errorf("subscriber %d: msg = %q", i, evt.Msg)
		}
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if b.Clients() != 0 {
		t.Errorf("Clients = %d, want 0", b.Clients())
	}
	b.BroadcastMsg("nobody listening")
}

func TestBroadcaster_SlowClientDrops(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < cap(ch)+10; i++ {
		b.BroadcastMsg("burst")
	}
	if len(ch) != cap(ch) {
		t.Errorf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestBroadcaster_Progress(t *testing.T) {
	cases := []struct {
		name string
		p    capture.ScanProgress
		want string
	}{
		{
			"skipped",
			capture.ScanProgress{Frame: 2, Total: 6, Position: motion.Position{X: 1.5}, Skipped: true},
			"Frame 2/6 at PX1.5Y0Z0 skipped (blank)",
		},
		{
			"saved",
			capture.ScanProgress{Frame: 1, Total: 6, Path: "/tmp/core1PX0Y0Z0.png"},
			"Frame 1/6 at PX0Y0Z0 saved",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewStatusBroadcaster()
			ch, unsub := b.Subscribe()
			defer unsub()

			b.BroadcastProgress(tc.p)
			var evt struct {
				Kind string               `json:"k"`
				Msg  string               `json:"msg"`
				Data capture.ScanProgress `json:"d"`
			}
			recv(t, ch, &evt)
			if evt.Kind != "scan" {
				t.Errorf("kind = %q, want scan", evt.Kind)
			}
			if evt.Msg != tc.want {
				t.Errorf("msg = %q, want %q", evt.Msg, tc.want)
			}
			if evt.Data.Frame != tc.p.Frame || evt.Data.Skipped != tc.p.Skipped {
				t.Errorf("data = %+v", evt.Data)
			}
		})
	}
}

func TestBroadcastWriter(t *testing.T) {
	cases := []struct {
		line      string
		wantLevel string
		wantMsg   string
	}{
		{"  trimmed message  \n", "info", "trimmed message"},
		{"[TRIM] [WARN] settings file missing\n", "warn", "[TRIM] [WARN] settings file missing"},
		{"[TRIM] [ERROR] camera: Snap: busy\n", "error", "[TRIM] [ERROR] camera: Snap: busy"},
		{"[TRIM] [LIVE] Stage x: +1\n", "info", "[TRIM] [LIVE] Stage x: +1"},
	}
	for _, tc := range cases {
		b := NewStatusBroadcaster()
		ch, unsub := b.Subscribe()

		n, err := BroadcastWriter(b).Write([]byte(tc.line))
		if err != nil || n != len(tc.line) {
			t.Fatalf("Write = %d, %v", n, err)
		}
		var evt StatusEvent
		recv(t, ch, &evt)
		if evt.Level != tc.wantLevel || evt.Msg != tc.wantMsg {
			t.Errorf("%q: got level %q msg %q", tc.line, evt.Level, evt.Msg)
		}
		unsub()
	}
}

func TestBroadcastWriter_BlankIgnored(t *testing.T) {
	b := NewStatusBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	BroadcastWriter(b).Write([]byte("   \n"))
	select {
	case msg := <-ch:
		t.Errorf("unexpected event %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
