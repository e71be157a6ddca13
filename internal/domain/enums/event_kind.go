package enums

type EventKind string

const (
	EventTicketCreated    EventKind = "ticket_created"
	EventTicketClaimed    EventKind = "ticket_claimed"
	EventTicketWarned     EventKind = "ticket_warned"
	EventTicketClosed     EventKind = "ticket_closed"
	EventBanScheduled     EventKind = "ban_scheduled"
	EventBanExpired       EventKind = "ban_expired"
	EventBanLifted        EventKind = "ban_lifted"
	EventGiveawayStarted  EventKind = "giveaway_started"
	EventGiveawayEnded    EventKind = "giveaway_ended"
	EventGiveawayRerolled EventKind = "giveaway_rerolled"
)
