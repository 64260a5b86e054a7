package safety

import (
	"testing"
	"time"
)

var hmacSecret = []byte("test-secret")

func TestSignDeterministic(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"k":1}`)
	ts := "2026-08-05T12:00:00Z"
	if Sign(hmacSecret, payload, ts) != Sign(hmacSecret, payload, ts) {
		t.Fatal("same inputs produced different signatures")
	}
}

func TestSignVariesWithTimestamp(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"k":1}`)
	a := Sign(hmacSecret, payload, "2026-08-05T12:00:00Z")
	b := Sign(hmacSecret, payload, "2026-08-05T12:00:01Z")
	if a == b {
		t.Fatal("different timestamps produced identical signatures")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"k":1}`)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)
	sig := Sign(hmacSecret, payload, ts)

	tests := []struct {
		name    string
		sig     string
		ts      string
		at      time.Time
		wantErr bool
	}{
		{name: "fresh", sig: sig, ts: ts, at: now},
		{name: "within skew", sig: sig, ts: ts, at: now.Add(4 * time.Minute)},
		{name: "replay after ten minutes", sig: sig, ts: ts, at: now.Add(10 * time.Minute), wantErr: true},
		{name: "timestamp from the future", sig: sig, ts: ts, at: now.Add(-10 * time.Minute), wantErr: true},
		{name: "tampered payload signature", sig: Sign(hmacSecret, []byte(`{"k":2}`), ts), ts: ts, at: now, wantErr: true},
		{name: "truncated signature", sig: sig[:10], ts: ts, at: now, wantErr: true},
		{name: "unparseable timestamp", sig: sig, ts: "yesterday", at: now, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(hmacSecret, payload, tt.sig, tt.ts, tt.at, 5*time.Minute)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyDefaultSkew(t *testing.T) {
	t.Parallel()
	payload := []byte("x")
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	ts := now.Format(time.RFC3339)
	sig := Sign(hmacSecret, payload, ts)
	if err := Verify(hmacSecret, payload, sig, ts, now.Add(4*time.Minute), 0); err != nil {
		t.Fatalf("expected default skew to accept 4 minutes: %v", err)
	}
	if err := Verify(hmacSecret, payload, sig, ts, now.Add(6*time.Minute), 0); err == nil {
		t.Fatal("expected default skew to reject 6 minutes")
	}
}
