package appointment

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/citywaste/pickup/internal/platform/civil"
)

const calendarProductID = "-//citywaste//pickup//EN"

// Calendar renders appointments as an iCalendar feed, one VEVENT per
// appointment spanning its slot.
func Calendar(appts []*Appointment, loc *time.Location, stamp time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(calendarProductID)

	for _, a := range appts {
		ev := cal.AddEvent(a.ID.String() + "@pickup")
		ev.SetDtStampTime(stamp.UTC())
		ev.SetCreatedTime(a.CreatedAt.UTC())
		ev.SetModifiedAt(a.UpdatedAt.UTC())

		h, m := a.End.Clock()
		ev.SetStartAt(a.ScheduledAt.UTC())
		ev.SetEndAt(civil.At(a.ServiceDate, h, m, loc).UTC())

		ev.SetSummary(fmt.Sprintf("Waste pickup (%s)", joinTypes(a.WasteTypes)))
		desc := fmt.Sprintf("Zone %s, %s %s-%s", a.ZoneID, a.ServiceDate, a.Start, a.End)
		if a.SpecialInstructions != "" {
			desc += "\n" + a.SpecialInstructions
		}
		ev.SetDescription(desc)
		ev.SetLocation("Zone " + a.ZoneID)

		switch a.Status {
		case StatusPending:
			ev.SetStatus(ical.ObjectStatusTentative)
		case StatusCancelled:
			ev.SetStatus(ical.ObjectStatusCancelled)
		default:
			ev.SetStatus(ical.ObjectStatusConfirmed)
		}
	}
	return cal.Serialize()
}

func joinTypes(types []WasteType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
