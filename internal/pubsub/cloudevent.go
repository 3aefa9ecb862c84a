package pubsub

import (
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"

	"kernelci.org/api/internal/model"
)

// EventType is the CloudEvents type attribute on every event this service
// emits.
const EventType = "api.kernelci.org"

// ToCloudEvent renders a stored event record in CloudEvents 1.0 structured
// form. Catch-up and real-time deliveries go through the same path so
// clients see one format. The channel, owner and sequence id travel as
// extension attributes.
func ToCloudEvent(rec *model.EventRecord, source string) (event.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(strconv.FormatInt(rec.ID, 10))
	e.SetType(EventType)
	e.SetSource(source)
	e.SetTime(rec.Timestamp)
	e.SetExtension("channel", rec.Channel)
	e.SetExtension("sequenceid", rec.SequenceID)
	if rec.Owner != "" {
		e.SetExtension("owner", rec.Owner)
	}
	if err := e.SetData(cloudevents.ApplicationJSON, rec.Data); err != nil {
		return event.Event{}, fmt.Errorf("encoding event data: %w", err)
	}
	return e, nil
}
