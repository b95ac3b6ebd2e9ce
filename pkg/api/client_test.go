package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/flowagent-network/flowagent/pkg/flow"
	"github.com/flowagent-network/flowagent/pkg/util"
)

const testID = "64b7f0c2a1b2c3d4e5f60718"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	c, err := New(Endpoint{Scheme: "http", Host: u.Hostname(), Port: port}, testID)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestValidIdentifier(t *testing.T) {
	tests := map[string]bool{
		testID:                      true,
		"64B7F0C2A1B2C3D4E5F60718":  true,
		"64b7f0c2a1b2c3d4e5f6071":   false,
		"64b7f0c2a1b2c3d4e5f607189": false,
		"zzb7f0c2a1b2c3d4e5f60718":  false,
		"":                          false,
	}
	for in, want := range tests {
		if got := ValidIdentifier(in); got != want {
			t.Errorf("ValidIdentifier(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := New(Endpoint{Host: "api.example.net"}, "device-1"); err == nil {
		t.Error("New() accepted an invalid identifier")
	}
}

func TestEndpoint_BaseURL(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		want string
	}{
		{"default https", Endpoint{Host: "api.example.net"}, "https://api.example.net"},
		{"unknown scheme is https", Endpoint{Scheme: "ftp", Host: "api.example.net", Port: 8443}, "https://api.example.net:8443"},
		{"http", Endpoint{Scheme: "http", Host: "10.0.0.1", Port: 8080}, "http://10.0.0.1:8080"},
		{"basic auth", Endpoint{Host: "h", Username: "u", Password: "p"}, "https://u:p@h"},
		{"user without password", Endpoint{Host: "h", Username: "u"}, "https://h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ep.BaseURL()
			if err != nil {
				t.Fatalf("BaseURL() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("BaseURL() = %q, want %q", got, tt.want)
			}
		})
	}
	if _, err := (Endpoint{}).BaseURL(); err == nil {
		t.Error("BaseURL() without host succeeded")
	}
}

func TestClient_GetFlows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/fstats/"+testID+"/flows/apply_remove" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		io.WriteString(w, `[{"_id": {"$oid": "f1"}, "status": "apply", "apply_action": "discard"},
			{"id": "f2", "status": "removed_moderation_approved"}, null]`)
	})
	flows, err := c.GetFlows(context.Background(), flow.TypeApplyRemove)
	if err != nil {
		t.Fatalf("GetFlows() error = %v", err)
	}
	if len(flows) != 2 || flows[0].ID != "f1" || flows[1].ID != "f2" {
		t.Fatalf("flows = %+v", flows)
	}
	if flows[0].ApplyAction != flow.ActionDiscard {
		t.Errorf("ApplyAction = %q", flows[0].ApplyAction)
	}
}

func TestClient_GetFlowsSkipsUndecodableRecords(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"id": "ok1", "status": "apply", "rate_limit": {"bps": "1000"}},
			{"id": "bad1", "status": "apply", "rate_limit": {"bps": "abc"}},
			{"id": "bad2", "status": "apply", "source": {"ip": "1.1.1.1", "mask": {"len": 24}}},
			{"id": "ok2", "status": "apply", "destination_ports": ["80", "443"]}
		]`)
	})
	flows, err := c.GetFlows(context.Background(), flow.TypeApply)
	if !errors.Is(err, util.ErrPartialFailure) {
		t.Fatalf("GetFlows() error = %v, want ErrPartialFailure", err)
	}
	var pf *util.PartialFailureError
	if !errors.As(err, &pf) || pf.Attempted != 4 || pf.Failed != 2 {
		t.Errorf("partial failure = %+v", pf)
	}
	if len(flows) != 2 || flows[0].ID != "ok1" || flows[1].ID != "ok2" {
		t.Fatalf("flows = %+v", flows)
	}
	if flows[0].RateLimit == nil || flows[0].RateLimit.BPS != 1000 {
		t.Errorf("RateLimit = %+v", flows[0].RateLimit)
	}
	if len(flows[1].DestinationPorts) != 2 || flows[1].DestinationPorts[1] != 443 {
		t.Errorf("DestinationPorts = %v", flows[1].DestinationPorts)
	}
}

func TestClient_StatusRange(t *testing.T) {
	tests := []struct {
		status int
		ok     bool
	}{
		{199, false},
		{200, true},
		{204, true},
		{210, true},
		{211, false},
		{404, false},
		{500, false},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := c.SetFlowStatus(context.Background(), "f1", flow.StatusApplied)
			if tt.ok && err != nil {
				t.Errorf("SetFlowStatus() error = %v", err)
			}
			if !tt.ok {
				var apiErr *util.APIError
				if !errors.As(err, &apiErr) || apiErr.Status != tt.status || !errors.Is(err, util.ErrAPICommunication) {
					t.Errorf("SetFlowStatus() error = %v, want APIError with status %d", err, tt.status)
				}
			}
		})
	}
}

func TestClient_NonJSONDegrades(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>maintenance</html>")
	})
	if _, err := c.GetFlows(context.Background(), flow.TypeApplied); !errors.Is(err, util.ErrAPICommunication) {
		t.Errorf("GetFlows() error = %v, want ErrAPICommunication", err)
	}
	// Text replies are fine where no body is expected.
	if err := c.SetFlowStatus(context.Background(), "f1", flow.StatusRemoved); err != nil {
		t.Errorf("SetFlowStatus() error = %v", err)
	}
}

func TestClient_SetFlowStatusPath(t *testing.T) {
	var got string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path
	})
	if err := c.SetFlowStatus(context.Background(), "f9", flow.StatusRemoved); err != nil {
		t.Fatal(err)
	}
	if want := "POST /fstats/" + testID + "/flows/f9/status/removed"; got != want {
		t.Errorf("request = %q, want %q", got, want)
	}
	if err := c.SetFlowStatus(context.Background(), "", flow.StatusRemoved); err == nil {
		t.Error("SetFlowStatus() accepted an empty id")
	}
}

func TestClient_SendStats(t *testing.T) {
	var body StatsReport
	var method, ctype, ua string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, ctype, ua = r.Method, r.Header.Get("Content-Type"), r.Header.Get("User-Agent")
		if r.URL.Path != "/fstats/"+testID+"/flows/stat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
	})
	report := &StatsReport{Success: true, Data: []string{"line 1", "line 2"}, LocalTime: "2026-05-01T12:00:00Z"}
	if err := c.SendStats(context.Background(), report); err != nil {
		t.Fatalf("SendStats() error = %v", err)
	}
	if method != http.MethodPut || ctype != "application/json" || ua == "" {
		t.Errorf("method = %s, content-type = %q, user-agent = %q", method, ctype, ua)
	}
	if !body.Success || len(body.Data) != 2 || body.LocalTime != report.LocalTime {
		t.Errorf("body = %+v", body)
	}
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	srv.Close()

	c, err := New(Endpoint{Scheme: "http", Host: u.Hostname(), Port: port}, testID)
	if err != nil {
		t.Fatal(err)
	}
	err = c.SendStats(context.Background(), &StatsReport{Success: false})
	var apiErr *util.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 0 {
		t.Errorf("error = %v, want APIError without status", err)
	}
}
