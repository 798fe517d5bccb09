// Package main runs a demo client: it stands up a local webhook receiver,
// registers a subscription, fires an event, and watches the live delivery
// stream over WebSocket.
package main

import (
    "bytes"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "net/url"
    "os"
    "time"

    "github.com/gorilla/websocket"
)

const secret = "demo-secret"

func main() {
    port := os.Getenv("PORT")
    if port == "" {
        port = "8080"
    }
    base := fmt.Sprintf("http://localhost:%s", port)

    // Local receiver that verifies the signature header.
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil {
        log.Fatal(err)
    }
    go func() {
        _ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            body, _ := io.ReadAll(r.Body)
            mac := hmac.New(sha256.New, []byte(secret))
            mac.Write(body)
            want := hex.EncodeToString(mac.Sum(nil))
            got := r.Header.Get("X-Webhook-Signature")
            log.Printf("receiver <- %s (signature ok: %v)", r.Header.Get("X-Webhook-Event"), hmac.Equal([]byte(want), []byte(got)))
            w.WriteHeader(http.StatusOK)
        }))
    }()
    receiverURL := "http://" + ln.Addr().String() + "/hook"

    // Register a subscription
    subBody, _ := json.Marshal(map[string]any{
        "companyId": "c_demo",
        "name":      "demo",
        "url":       receiverURL,
        "events":    []string{"lead_created"},
        "secret":    secret,
    })
    req, _ := http.NewRequest(http.MethodPost, base+"/v1/subscriptions", bytes.NewReader(subBody))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Company-Id", "c_demo")
    req.Header.Set("X-Role", "admin")
    resp, err := http.DefaultClient.Do(req)
    if err != nil {
        log.Fatal(err)
    }
    defer func() { _ = resp.Body.Close() }()
    var sub struct {
        ID string `json:"id"`
    }
    if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
        log.Fatal(err)
    }
    log.Printf("Subscription ID: %s", sub.ID)

    // Connect WS
    u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/admin/webhook-events/stream"}
    hdr := http.Header{}
    hdr.Set("X-Company-Id", "c_demo")
    hdr.Set("X-Role", "admin")
    c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
    if err != nil {
        log.Fatal("dial:", err)
    }
    defer func() { _ = c.Close() }()

    done := make(chan struct{})
    go func() {
        defer close(done)
        for {
            var m map[string]any
            if err := c.ReadJSON(&m); err != nil {
                log.Printf("read: %v", err)
                return
            }
            b, _ := json.Marshal(m)
            log.Printf("WS <- %s", b)
        }
    }()

    // Fire an event
    time.Sleep(500 * time.Millisecond)
    evtBody := []byte(`{"companyId":"c_demo","eventType":"lead_created","data":{"leadId":"l_123","name":"Demo Lead"}}`)
    evtReq, _ := http.NewRequest(http.MethodPost, base+"/v1/events", bytes.NewReader(evtBody))
    evtReq.Header.Set("Content-Type", "application/json")
    evtReq.Header.Set("X-Company-Id", "c_demo")
    evtReq.Header.Set("X-Role", "admin")
    _, _ = http.DefaultClient.Do(evtReq)

    // Wait briefly to receive the delivery outcome
    select {
    case <-time.After(5 * time.Second):
    case <-done:
    }
}
