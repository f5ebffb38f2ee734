package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then collectors are registered under the default namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.heartbeatsSent.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(strings.Join(names, ","), ShouldContainSubstring, "fleetwatch_presence_heartbeats_sent_total")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{1, 10}),
				WithConstLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then names and labels follow the options", func() {
				manager.presenceRecords.Set(3)
				expected := `
# HELP test_unit_records Records in the presence view
# TYPE test_unit_records gauge
test_unit_records{env="test"} 3
`
				So(testutil.GatherAndCompare(registry, strings.NewReader(expected), "test_unit_records"), ShouldBeNil)
			})
		})

		Convey("When empty options are given", func() {
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithHistogramBuckets(nil),
				WithConstLabels(nil),
				WithPrometheusRegistry(prometheus.NewRegistry()),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "fleetwatch")
				So(manager.subsystem, ShouldEqual, "presence")
				So(manager.histogramBuckets, ShouldNotBeEmpty)
				So(manager.constLabels, ShouldBeNil)
			})
		})
	})
}

func TestGlobalRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("Heartbeat counters move", func() {
			before := testutil.ToFloat64(globalManager.heartbeatsSent)
			RecordHeartbeatSent(12)
			RecordHeartbeatSent(3)
			So(testutil.ToFloat64(globalManager.heartbeatsSent), ShouldEqual, before+2)

			failed := testutil.ToFloat64(globalManager.heartbeatsFailed)
			RecordHeartbeatFailed()
			So(testutil.ToFloat64(globalManager.heartbeatsFailed), ShouldEqual, failed+1)

			debounced := testutil.ToFloat64(globalManager.heartbeatsDebounced)
			RecordHeartbeatDebounced()
			So(testutil.ToFloat64(globalManager.heartbeatsDebounced), ShouldEqual, debounced+1)

			withheld := testutil.ToFloat64(globalManager.heartbeatsWithheld)
			RecordHeartbeatWithheld()
			So(testutil.ToFloat64(globalManager.heartbeatsWithheld), ShouldEqual, withheld+1)
		})

		Convey("Labelled counters are keyed by their labels", func() {
			RecordFixError("PermissionDenied")
			So(testutil.ToFloat64(globalManager.fixErrors.WithLabelValues("PermissionDenied")), ShouldBeGreaterThanOrEqualTo, 1)

			RecordAddressLookup("ok")
			RecordChangeEventApplied("insert")
			RecordTerminalDetection("matched")
			RecordStoreError("memory", "upsert")
			RecordQueueEnqueueError("queue_full")
			RecordErrorByComponent("tracker", "upsert")
			So(testutil.ToFloat64(globalManager.storeErrors.WithLabelValues("memory", "upsert")), ShouldBeGreaterThanOrEqualTo, 1)
		})

		Convey("Gauges hold the last value", func() {
			UpdateTrackingSessions(4)
			UpdatePresenceRecords(7)
			UpdateWebsocketClients(1)
			So(testutil.ToFloat64(globalManager.trackingSessions), ShouldEqual, 4)
			So(testutil.ToFloat64(globalManager.presenceRecords), ShouldEqual, 7)
		})

		Convey("The open queue gauge sums every queue", func() {
			before := testutil.ToFloat64(globalManager.queuesOpen)
			RecordQueueOpened()
			RecordQueueOpened()
			RecordQueueClosed()
			So(testutil.ToFloat64(globalManager.queuesOpen), ShouldEqual, before+1)
			RecordQueueClosed()
			So(testutil.ToFloat64(globalManager.queuesOpen), ShouldEqual, before)
		})

		Convey("Remaining recorders do not panic", func() {
			So(func() {
				RecordChangeEventDropped()
				RecordStoreLatency("redis", "list", 1.5)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordHTTPRequest("/presence", "GET", "200")
				RecordHTTPRequestDuration("/presence", "GET", "200", 2)
				RecordWebsocketBroadcast()
			}, ShouldNotPanic)
		})

		Convey("The registry gathers without error", func() {
			_, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
		})
	})
}
