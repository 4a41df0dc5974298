package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forgewatch/internal/delegate"
	"forgewatch/internal/monitor"
)

type fakeSource struct {
	states delegate.States
}

func (f fakeSource) States() delegate.States { return f.states }
func (f fakeSource) Status() monitor.Status {
	return monitor.Status{Tracked: len(f.states), Cycles: 7}
}

func get(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	h := Handler(Config{Token: "s3cret"}, fakeSource{})
	tests := []struct {
		path, bearer string
		want         int
	}{
		{"/healthz", "", http.StatusUnauthorized},
		{"/healthz", "wrong", http.StatusUnauthorized},
		{"/healthz", "s3cret", http.StatusOK},
		{"/healthz?token=s3cret", "", http.StatusOK},
		{"/healthz?token=nope", "s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := get(t, h, tt.path, tt.bearer).Code; got != tt.want {
			t.Fatalf("GET %s (bearer %q) = %d, want %d", tt.path, tt.bearer, got, tt.want)
		}
	}
}

func TestStreaksSortedJSON(t *testing.T) {
	t.Parallel()
	src := fakeSource{states: delegate.States{
		"b": {Name: "b", ConsecutiveMissed: 2},
		"a": {Name: "a", ConsecutiveProduced: 5},
	}}
	rec := get(t, Handler(Config{}, src), "/streaks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body StreaksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Delegates) != 2 || body.Delegates[0].Name != "a" || body.Delegates[1].ConsecutiveMissed != 2 {
		t.Fatalf("delegates = %+v", body.Delegates)
	}
	if body.Status.Cycles != 7 || body.Status.Tracked != 2 {
		t.Fatalf("status = %+v", body.Status)
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	if got := get(t, Handler(Config{}, fakeSource{}), "/debug/pprof/", "").Code; got != http.StatusNotFound {
		t.Fatalf("pprof disabled: %d", got)
	}
	if got := get(t, Handler(Config{Pprof: true}, fakeSource{}), "/debug/pprof/", "").Code; got != http.StatusOK {
		t.Fatalf("pprof enabled: %d", got)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr, token string
		insecure    bool
		wantErr     bool
	}{
		{"127.0.0.1:6060", "", false, false},
		{"localhost:6060", "", false, false},
		{"[::1]:6060", "", false, false},
		{":6060", "", false, true},
		{"0.0.0.0:6060", "", false, true},
		{"0.0.0.0:6060", "tok", false, false},
		{"10.0.0.5:6060", "", true, false},
	}
	for _, tt := range tests {
		err := checkBind(tt.addr, tt.token, tt.insecure)
		if (err != nil) != tt.wantErr || (err != nil && !errors.Is(err, ErrInsecureBind)) {
			t.Fatalf("checkBind(%q, %q, %v) = %v", tt.addr, tt.token, tt.insecure, err)
		}
	}
}

func TestNeedsRestart(t *testing.T) {
	t.Parallel()
	base := Config{Enabled: true, Addr: DefaultAddr, ReadTimeout: time.Second}
	same := base
	if needsRestart(base, same) {
		t.Fatal("identical configs need restart")
	}
	changed := base
	changed.Pprof = true
	if !needsRestart(base, changed) {
		t.Fatal("pprof toggle ignored")
	}
}
