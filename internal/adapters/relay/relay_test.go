package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/voiced/internal/domain"
)

func TestDecodeInbound(t *testing.T) {
	cases := []struct {
		frame string
		want  any
	}{
		{`{"type":"answer","data":{"sdp":"v=0"}}`, Answer{SDP: "v=0"}},
		{`{"type":"participant_left","data":{"user_id":"bob"}}`, ParticipantLeft{UserID: "bob"}},
		{`{"type":"track","data":{"user_id":"bob","stream_id":"s1"}}`, Track{UserID: "bob", StreamID: "s1"}},
		{`{"type":"error","data":{"code":"full","message":"room full"}}`, Error{Code: "full", Message: "room full"}},
		{
			`{"type":"participant_updated","data":{"participant":{"user_id":"c","muted":true}}}`,
			ParticipantUpdated{Participant: Participant{UserID: "c", Muted: true}},
		},
	}
	for _, c := range cases {
		got, err := Decode([]byte(c.frame))
		if err != nil {
			t.Errorf("%s: %v", c.frame, err)
			continue
		}
		if got != c.want {
			t.Errorf("%s: got %#v, want %#v", c.frame, got, c.want)
		}
	}

	got, err := Decode([]byte(`{"type":"participants","data":{"participants":[{"user_id":"a"},{"user_id":"b","deafened":true}]}}`))
	if err != nil {
		t.Fatal(err)
	}
	ps := got.(Participants).Participants
	if len(ps) != 2 || ps[1].UserID != "b" || !ps[1].Deafened {
		t.Fatalf("unexpected participants %+v", ps)
	}

	if _, err := Decode([]byte(`{"type":"bogus","data":{}}`)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestEncodeOutbound(t *testing.T) {
	b, err := Encode(Mute{Muted: true})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !strings.Contains(s, `"type":"mute"`) || !strings.Contains(s, `"muted":true`) || !strings.Contains(s, `"id":"`) {
		t.Fatalf("unexpected frame %s", s)
	}
	if _, err := Encode(Answer{}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatal("inbound-only types must not encode")
	}
}

func TestSpeakersMsgpack(t *testing.T) {
	b, err := EncodeSpeakers([]domain.UserID{"a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	ids, err := DecodeSpeakers(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "c" {
		t.Fatalf("unexpected speakers %v", ids)
	}
	if _, err := DecodeSpeakers([]byte{0xc1}); err == nil {
		t.Fatal("expected error for invalid msgpack")
	}
}

func TestDialUnauthorizedIsTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "stale")
	if !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConnRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","data":{"sdp":"v=0"}}`))
		_, data, err := ws.ReadMessage()
		if err == nil {
			got <- string(data)
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "t1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case msg := <-c.Events():
		if a, ok := msg.(Answer); !ok || a.SDP != "v=0" {
			t.Fatalf("unexpected event %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	if err := c.Send(Offer{SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if !strings.Contains(s, `"type":"offer"`) {
			t.Fatalf("unexpected frame %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("server got nothing")
	}

	// The server hangs up after one message; Events must close.
	select {
	case _, ok := <-c.Events():
		for ok {
			_, ok = <-c.Events()
		}
	case <-time.After(time.Second):
		t.Fatal("events not closed after hangup")
	}
}
