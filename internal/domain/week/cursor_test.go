package week_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/fleetwatch/internal/domain/week"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCursor(t *testing.T) {
	now := time.Date(2024, time.May, 8, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	Convey("Given a cursor at the current week", t, func() {
		c := week.NewCursor(time.UTC, week.WithClock(clock))

		Convey("Then it cannot advance", func() {
			So(c.CanAdvance(), ShouldBeFalse)
			So(c.Next(), ShouldBeFalse)
			So(c.Instant(), ShouldEqual, now)
		})

		Convey("Next is idempotent at the boundary", func() {
			for i := 0; i < 3; i++ {
				c.Next()
			}
			So(c.Window().WeekNumber, ShouldEqual, 19)
		})

		Convey("When it moves back one week", func() {
			c.Previous()

			Convey("Then it points at the previous week and can advance", func() {
				So(c.Window().WeekNumber, ShouldEqual, 18)
				So(c.CanAdvance(), ShouldBeTrue)
			})

			Convey("Then advancing reaches the current week but not beyond", func() {
				So(c.Next(), ShouldBeTrue)
				So(c.Window().WeekNumber, ShouldEqual, 19)
				So(c.CanAdvance(), ShouldBeFalse)
				So(c.Next(), ShouldBeFalse)
			})
		})

		Convey("When it moves back many weeks and resets", func() {
			for i := 0; i < 10; i++ {
				c.Previous()
			}
			So(c.Window().WeekNumber, ShouldEqual, 9)
			c.Current()

			Convey("Then it is back at now", func() {
				So(c.Instant(), ShouldEqual, now)
				So(c.CanAdvance(), ShouldBeFalse)
			})
		})
	})

	Convey("CanAdvance mirrors Next across a range of positions", t, func() {
		for back := 0; back < 6; back++ {
			c := week.NewCursor(time.UTC, week.WithClock(clock))
			for i := 0; i < back; i++ {
				c.Previous()
			}
			before := c.Instant()
			can := c.CanAdvance()
			moved := c.Next()
			So(moved, ShouldEqual, can)
			So(c.Instant().Equal(before), ShouldEqual, !can)
		}
	})

	Convey("Given a cursor late on Sunday of the current week", t, func() {
		sunday := time.Date(2024, time.May, 12, 23, 0, 0, 0, time.UTC)
		c := week.NewCursor(time.UTC, week.WithClock(clock), week.WithInstant(sunday))

		Convey("Then it still cannot move into next week", func() {
			So(c.CanAdvance(), ShouldBeFalse)
		})
	})
}

func TestCursorText(t *testing.T) {
	now := time.Date(2024, time.May, 8, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	Convey("Given a cursor in a named zone", t, func() {
		manila, err := time.LoadLocation("Asia/Manila")
		So(err, ShouldBeNil)
		c := week.NewCursor(manila, week.WithClock(clock))
		c.Previous()

		Convey("When it is serialized and parsed back", func() {
			restored, err := week.ParseCursor(c.String(), week.WithClock(clock))

			Convey("Then it points at the same window and zone", func() {
				So(err, ShouldBeNil)
				So(restored.Location().String(), ShouldEqual, "Asia/Manila")
				So(restored.Instant().Equal(c.Instant()), ShouldBeTrue)
				So(restored.Window().Start.Equal(c.Window().Start), ShouldBeTrue)
				So(restored.CanAdvance(), ShouldBeTrue)
			})
		})
	})

	Convey("Parsing rejects garbage", t, func() {
		_, err := week.ParseCursor("last tuesday")
		So(errors.Is(err, week.ErrInvalidCursor), ShouldBeTrue)

		_, err = week.ParseCursor("2024-05-08T12:00:00Z Nowhere/Land")
		So(errors.Is(err, week.ErrUnknownZone), ShouldBeTrue)
	})

	Convey("A missing zone defaults to UTC", t, func() {
		c, err := week.ParseCursor("2024-05-08T12:00:00Z")
		So(err, ShouldBeNil)
		So(c.Location(), ShouldEqual, time.UTC)
	})
}
