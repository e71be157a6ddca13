package enums

type CaseState string

const (
	CaseActive  CaseState = "active"
	CaseExpired CaseState = "expired"
	CaseLifted  CaseState = "lifted"
)

func (s CaseState) Terminal() bool {
	return s == CaseExpired || s == CaseLifted
}
