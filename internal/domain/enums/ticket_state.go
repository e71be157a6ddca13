package enums

type TicketState string

const (
	TicketOpen    TicketState = "open"
	TicketClaimed TicketState = "claimed"
	TicketLocked  TicketState = "locked"
	TicketFrozen  TicketState = "frozen"
	TicketClosed  TicketState = "closed"
)

func (s TicketState) Terminal() bool {
	return s == TicketClosed
}
