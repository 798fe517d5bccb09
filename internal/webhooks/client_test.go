package webhooks

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "hookrelay/internal/model"
)

func testRecord(url string) model.DeliveryRecord {
    payload := model.Payload{
        EventType: model.EventLeadCreated,
        Timestamp: model.FormatTimestamp(time.Now()),
        CompanyID: "c1",
        Data:      map[string]any{"leadId": "l1"},
    }
    body, _ := json.Marshal(payload)
    return model.DeliveryRecord{
        ID:        "d1",
        CompanyID: "c1",
        EventType: model.EventLeadCreated,
        URL:       url,
        Secret:    "secret",
        Payload:   body,
        Attempts:  2,
        CreatedAt: time.Now(),
    }
}

func TestClientDeliverHeadersAndSignature(t *testing.T) {
    var gotBody []byte
    var gotHdr http.Header
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        gotBody, _ = io.ReadAll(r.Body)
        gotHdr = r.Header.Clone()
        w.WriteHeader(200)
    }))
    defer srv.Close()

    rec := testRecord(srv.URL)
    res := NewClient(0, 0).Deliver(context.Background(), rec)
    if !res.Success() {
        t.Fatalf("expected success, got %+v", res)
    }
    if string(gotBody) != string(rec.Payload) {
        t.Fatalf("body was re-serialized: %s", gotBody)
    }
    if got := gotHdr.Get("X-Webhook-Signature"); got != SignHMAC("secret", rec.Payload) {
        t.Fatalf("bad signature header: %s", got)
    }
    if got := gotHdr.Get("X-Webhook-Event"); got != "lead_created" {
        t.Fatalf("bad event header: %s", got)
    }
    var env struct {
        Timestamp string `json:"timestamp"`
    }
    _ = json.Unmarshal(rec.Payload, &env)
    if got := gotHdr.Get("X-Webhook-Timestamp"); got != env.Timestamp {
        t.Fatalf("timestamp header %q does not match envelope %q", got, env.Timestamp)
    }
    if got := gotHdr.Get("X-Webhook-Id"); got != "d1" {
        t.Fatalf("bad id header: %s", got)
    }
    if got := gotHdr.Get("X-Webhook-Retry-Count"); got != "2" {
        t.Fatalf("bad retry count header: %s", got)
    }
}

func TestClientDeliverTimeout(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        time.Sleep(300 * time.Millisecond)
    }))
    defer srv.Close()

    res := NewClient(50*time.Millisecond, 0).Deliver(context.Background(), testRecord(srv.URL))
    if res.Err == nil {
        t.Fatal("expected timeout error")
    }
    if res.Success() || res.Permanent() {
        t.Fatalf("timeout must be retryable: %+v", res)
    }
}

func TestClientTruncatesResponseBody(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(500)
        for i := 0; i < 200; i++ {
            _, _ = w.Write([]byte("0123456789"))
        }
    }))
    defer srv.Close()

    res := NewClient(0, 0).Deliver(context.Background(), testRecord(srv.URL))
    if len(res.Body) != maxResponseBody {
        t.Fatalf("body not truncated: %d bytes", len(res.Body))
    }
}

func TestResultPermanent(t *testing.T) {
    cases := []struct {
        code      int
        err       error
        permanent bool
    }{
        {code: 400, permanent: true},
        {code: 404, permanent: true},
        {code: 410, permanent: true},
        {code: 408, permanent: false},
        {code: 429, permanent: false},
        {code: 500, permanent: false},
        {code: 503, permanent: false},
        {err: errors.New("dial"), permanent: false},
    }
    for _, c := range cases {
        r := Result{StatusCode: c.code, Err: c.err}
        if r.Permanent() != c.permanent {
            t.Errorf("code=%d err=%v: Permanent()=%v, want %v", c.code, c.err, r.Permanent(), c.permanent)
        }
    }
}
