package enums

type GiveawayState string

const (
	GiveawayActive GiveawayState = "active"
	GiveawayEnded  GiveawayState = "ended"
)

func (s GiveawayState) Terminal() bool {
	return s == GiveawayEnded
}
