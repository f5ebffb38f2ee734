package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/fleetwatch/internal/adapters/geolocation"
	"github.com/okian/fleetwatch/internal/adapters/http/api"
	"github.com/okian/fleetwatch/internal/adapters/http/ws"
	service "github.com/okian/fleetwatch/internal/app"
	"github.com/okian/fleetwatch/internal/presence"
	"github.com/okian/fleetwatch/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var wednesday = time.Date(2024, time.May, 8, 12, 0, 0, 0, time.UTC)

type harness struct {
	svc *service.Service
	hub *ws.Hub
	srv *httptest.Server
}

func newHarness() *harness {
	svc := service.New(
		service.WithClock(func() time.Time { return wednesday }),
		service.WithFixOptions(geolocation.Options{Timeout: 200 * time.Millisecond, MaximumAge: time.Hour}),
	)
	hub := ws.NewHub(func() ws.Message {
		entries, _ := svc.Presence()
		return ws.NewSnapshot(entries, wednesday)
	})
	svc.OnPresenceChange(func(entries []presence.Entry) {
		hub.Broadcast(ws.NewSnapshot(entries, wednesday))
	})
	return &harness{svc: svc, hub: hub}
}

func (h *harness) start(ctx context.Context) {
	So(h.svc.Start(ctx), ShouldBeNil)
	go h.hub.Run(ctx)
	h.srv = httptest.NewServer(api.NewServer(h.svc, api.WithPresenceStream(h.hub)).Router())
}

func (h *harness) close() {
	h.srv.Close()
	h.svc.Stop()
}

func (h *harness) do(method, path, body string) (*http.Response, map[string]any) {
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	So(err, ShouldBeNil)
	req.Header.Set("X-Forwarded-For", "203.0.113.20")
	resp, err := http.DefaultClient.Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHTTPRoutes(t *testing.T) {
	Convey("Given the API over a started service", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		h := newHarness()
		h.start(ctx)
		Reset(func() {
			h.close()
			cancel()
		})

		Convey("Health, stats and metrics respond", func() {
			resp, body := h.do(http.MethodGet, "/healthz", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "ok")

			resp, body = h.do(http.MethodGet, "/stats", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["started"], ShouldEqual, true)

			mresp, err := http.Get(h.srv.URL + "/metrics")
			So(err, ShouldBeNil)
			_ = mresp.Body.Close()
			So(mresp.StatusCode, ShouldEqual, http.StatusOK)

			dresp, err := http.Get(h.srv.URL + "/openapi.yaml")
			So(err, ShouldBeNil)
			_ = dresp.Body.Close()
			So(dresp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Terminals are listed and detected", func() {
			resp, body := h.do(http.MethodGet, "/terminals", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["count"], ShouldEqual, 4)

			resp, body = h.do(http.MethodGet, "/terminals/detect?lat=14.5995&lon=120.9842", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["inside"], ShouldEqual, true)
			So(body["terminal"], ShouldEqual, "CENTRAL")

			resp, _ = h.do(http.MethodGet, "/terminals/detect?lat=95&lon=0", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

			resp, body = h.do(http.MethodGet, "/terminals/detect?lat=north", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(body["code"], ShouldEqual, "bad_request")
		})

		Convey("Week windows are computed and navigated", func() {
			resp, body := h.do(http.MethodGet, "/weeks?at=2024-12-30T10:00:00Z", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["weekNumber"], ShouldEqual, 1)
			So(body["weekYear"], ShouldEqual, 2025)

			resp, _ = h.do(http.MethodGet, "/weeks?tz=Nowhere/City", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

			resp, body = h.do(http.MethodGet, "/weeks/navigate?tz=Asia/Manila", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["canAdvance"], ShouldEqual, false)
			cursor, _ := body["cursor"].(string)
			So(cursor, ShouldNotBeEmpty)

			q := "/weeks/navigate?action=prev&cursor=" + strings.ReplaceAll(strings.ReplaceAll(cursor, "+", "%2B"), " ", "%20")
			resp, body = h.do(http.MethodGet, q, "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["canAdvance"], ShouldEqual, true)

			resp, _ = h.do(http.MethodGet, "/weeks/navigate?action=sideways", "")
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A tracking session runs end to end", func() {
			resp, body := h.do(http.MethodPost, "/tracking/u1/start",
				`{"displayName":"Ana","role":"inspector","deviceInfo":{"platform":"android"},"fix":{"lat":14.5995,"lon":120.9842,"accuracy":6}}`)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["state"], ShouldEqual, "active")
			So(body["tracking"], ShouldEqual, true)
			So(body["terminal"], ShouldEqual, "CENTRAL")

			So(eventually(func() bool {
				_, body := h.do(http.MethodGet, "/presence", "")
				return body["count"] == float64(1)
			}), ShouldBeTrue)
			_, body = h.do(http.MethodGet, "/presence", "")
			records := body["records"].([]any)
			first := records[0].(map[string]any)
			So(first["user_id"], ShouldEqual, "u1")
			So(first["source_ip"], ShouldEqual, "203.0.113.20")

			resp, _ = h.do(http.MethodPost, "/tracking/u1/fixes", `{"lat":14.6,"lon":120.98}`)
			So(resp.StatusCode, ShouldEqual, http.StatusAccepted)

			resp, _ = h.do(http.MethodPost, "/tracking/u1/fixes", `{"accuracy":3}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)

			resp, _ = h.do(http.MethodPost, "/tracking/u1/fixes", `{"error":"PositionUnavailable"}`)
			So(resp.StatusCode, ShouldEqual, http.StatusAccepted)

			resp, body = h.do(http.MethodGet, "/tracking/u1", "")
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["userId"], ShouldEqual, "u1")

			resp, _ = h.do(http.MethodDelete, "/tracking/u1", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)
			resp, _ = h.do(http.MethodDelete, "/tracking/u1", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNoContent)

			resp, body = h.do(http.MethodGet, "/tracking/u1", "")
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
			So(body["code"], ShouldEqual, "not_found")
		})

		Convey("A device without a fix times out with a device error", func() {
			resp, body := h.do(http.MethodPost, "/tracking/u9/start", "")
			So(resp.StatusCode, ShouldEqual, http.StatusUnprocessableEntity)
			So(body["code"], ShouldEqual, "Timeout")
		})

		Convey("Fixes for unknown sessions are not found", func() {
			resp, _ := h.do(http.MethodPost, "/tracking/ghost/fixes", `{"lat":1,"lon":1}`)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})

		Convey("Malformed bodies are rejected", func() {
			resp, _ := h.do(http.MethodPost, "/tracking/u1/start", `{"fix":`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			resp, _ = h.do(http.MethodPost, "/tracking/u1/fixes", `{"error":"Exploded"}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Oversized device details are rejected", func() {
			long := strings.Repeat("v", 257)
			resp, _ := h.do(http.MethodPost, "/tracking/u1/start",
				`{"deviceInfo":{"platform":"`+long+`"},"fix":{"lat":14.5995,"lon":120.9842}}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			resp, _ = h.do(http.MethodPost, "/tracking/u1/start",
				`{"deviceInfo":{"`+strings.Repeat("k", 65)+`":"android"},"fix":{"lat":14.5995,"lon":120.9842}}`)
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("The presence stream sends a snapshot and then changes", func() {
			url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/presence/ws"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			So(err, ShouldBeNil)
			defer conn.Close()

			msg := readFrame(conn)
			So(msg.Type, ShouldEqual, ws.MessageTypePresence)
			So(msg.Count, ShouldEqual, 0)

			resp, _ := h.do(http.MethodPost, "/tracking/u2/start", `{"fix":{"lat":14.6760,"lon":121.0437}}`)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			var last ws.Message
			for i := 0; i < 5 && last.Count == 0; i++ {
				last = readFrame(conn)
			}
			So(last.Count, ShouldEqual, 1)
			So(last.Records[0].Terminal, ShouldEqual, "NORTH")
		})
	})
}

func readFrame(conn *websocket.Conn) ws.Message {
	var msg ws.Message
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	So(err, ShouldBeNil)
	So(json.Unmarshal(data, &msg), ShouldBeNil)
	return msg
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
