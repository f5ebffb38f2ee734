package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/fleetwatch/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_Wiring(t *testing.T) {
	convey.Convey("Given a config", t, func() {
		cfg := config.New()

		convey.Convey("Then the store config mirrors the store keys", func() {
			cfg.Store = "redis"
			cfg.RedisAddr = "localhost:6379"
			sc := cfg.StoreConfig()
			convey.So(sc.Backend, convey.ShouldEqual, "redis")
			convey.So(sc.RedisAddr, convey.ShouldEqual, "localhost:6379")
			convey.So(sc.RedisPrefix, convey.ShouldEqual, "fleetwatch")
		})

		convey.Convey("Then fix options follow the millisecond keys", func() {
			cfg.FixTimeoutMS = 2500
			cfg.FixMaxAgeMS = 0
			opts := cfg.FixOptions()
			convey.So(opts.Timeout, convey.ShouldEqual, 2500*time.Millisecond)
			convey.So(opts.MaximumAge, convey.ShouldEqual, time.Duration(0))
			convey.So(opts.HighAccuracy, convey.ShouldBeTrue)
		})

		convey.Convey("Then resolver options are produced", func() {
			convey.So(len(cfg.ResolverOptions()), convey.ShouldEqual, 3)
		})

		convey.Convey("Without a geofence file the built-in terminals are used", func() {
			reg, err := cfg.Registry()
			convey.So(err, convey.ShouldBeNil)
			convey.So(reg.Len(), convey.ShouldEqual, 4)
		})

		convey.Convey("With a geofence file its terminals are used", func() {
			path := filepath.Join(t.TempDir(), "geofences.yaml")
			data := "geofences:\n  - name: DEPOT\n    lat: 1\n    lon: 2\n    radius_meters: 50\n"
			convey.So(os.WriteFile(path, []byte(data), 0o600), convey.ShouldBeNil)
			cfg.GeofenceFile = path
			reg, err := cfg.Registry()
			convey.So(err, convey.ShouldBeNil)
			convey.So(reg.Len(), convey.ShouldEqual, 1)
		})

		convey.Convey("A missing geofence file is a config error", func() {
			cfg.GeofenceFile = filepath.Join(t.TempDir(), "missing.yaml")
			_, err := cfg.Registry()
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})
}
