package registry

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStreamKeyFromPath(t *testing.T) {
	cases := map[string]string{
		"/live/abc":  "abc",
		"/live/abc/": "",
		"abc":        "abc",
		"/live/":     "",
		"":           "",
	}
	for path, want := range cases {
		if got := StreamKeyFromPath(path); got != want {
			t.Fatalf("StreamKeyFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDecodeSessionToleratesLooseRecords(t *testing.T) {
	connected := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		raw  map[string]any
		want Session
		ok   bool
	}{
		{
			name: "full record",
			raw: map[string]any{
				"id": "s1", "streamPath": "/live/k", "role": "publish", "ip": "1.2.3.4",
				"connectTime": connected.Format(time.RFC3339), "startTime": json.Number("1704164645000"),
			},
			want: Session{ID: "s1", StreamPath: "/live/k", Role: RolePublish, IP: "1.2.3.4", ConnectTime: connected, StartTime: connected},
			ok:   true,
		},
		{
			name: "node media server shape",
			raw:  map[string]any{"id": "s2", "streamPath": "/live/k", "startTime": float64(1704164645), "isPublishing": false},
			want: Session{ID: "s2", StreamPath: "/live/k", Role: RolePlay, StartTime: connected},
			ok:   true,
		},
		{
			name: "mistyped optionals coerced or dropped",
			raw:  map[string]any{"streamPath": "/live/k", "ip": 42.0, "connectTime": "yesterday", "role": true},
			want: Session{StreamPath: "/live/k", IP: "42"},
			ok:   true,
		},
		{
			name: "missing path rejected",
			raw:  map[string]any{"id": "s3"},
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DecodeSession(tc.raw)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			if got.ID != tc.want.ID || got.StreamPath != tc.want.StreamPath || got.Role != tc.want.Role || got.IP != tc.want.IP {
				t.Fatalf("unexpected session %+v, want %+v", got, tc.want)
			}
			if !got.ConnectTime.Equal(tc.want.ConnectTime) || !got.StartTime.Equal(tc.want.StartTime) {
				t.Fatalf("unexpected times %v/%v, want %v/%v", got.ConnectTime, got.StartTime, tc.want.ConnectTime, tc.want.StartTime)
			}
		})
	}
}

func TestSessionWithoutRoleIsPublisher(t *testing.T) {
	if !(Session{StreamPath: "/live/k"}).IsPublisher() {
		t.Fatal("expected unknown role to count as publisher")
	}
	if (Session{Role: RolePlay}).IsPublisher() {
		t.Fatal("expected play role to be excluded")
	}
}
