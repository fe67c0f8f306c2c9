package webhooks

import "donorhub/internal/model"

// Event types fired by the application's CRUD domains.
const (
	EventDonationCreated     = "donation.created"
	EventDonationUpdated     = "donation.updated"
	EventContactCreated      = "contact.created"
	EventContactUpdated      = "contact.updated"
	EventAccountCreated      = "account.created"
	EventAccountUpdated      = "account.updated"
	EventEventCreated        = "event.created"
	EventRegistrationCreated = "event.registration.created"
	EventTestPing            = "test.ping"
)

// catalogue is the static lookup table behind the events API; no reflection,
// just an explicit list.
var catalogue = []model.EventDescriptor{
	{Type: EventDonationCreated, Name: "Donation Created", Description: "A new donation was recorded", Category: "donations"},
	{Type: EventDonationUpdated, Name: "Donation Updated", Description: "An existing donation was modified", Category: "donations"},
	{Type: EventContactCreated, Name: "Contact Created", Description: "A new contact was added", Category: "contacts"},
	{Type: EventContactUpdated, Name: "Contact Updated", Description: "An existing contact was modified", Category: "contacts"},
	{Type: EventAccountCreated, Name: "Account Created", Description: "A new account was created", Category: "accounts"},
	{Type: EventAccountUpdated, Name: "Account Updated", Description: "An existing account was modified", Category: "accounts"},
	{Type: EventEventCreated, Name: "Event Created", Description: "A new event was scheduled", Category: "events"},
	{Type: EventRegistrationCreated, Name: "Event Registration", Description: "Someone registered for an event", Category: "events"},
}

var knownEvents = func() map[string]struct{} {
	m := make(map[string]struct{}, len(catalogue))
	for _, d := range catalogue {
		m[d.Type] = struct{}{}
	}
	return m
}()

// Events returns the catalogue of subscribable event types.
func Events() []model.EventDescriptor {
	out := make([]model.EventDescriptor, len(catalogue))
	copy(out, catalogue)
	return out
}

// KnownEvent reports whether eventType is subscribable.
func KnownEvent(eventType string) bool {
	_, ok := knownEvents[eventType]
	return ok
}
