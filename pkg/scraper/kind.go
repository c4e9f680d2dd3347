package scraper

import "fmt"

// StateCode is the IBGE code of a Brazilian state, the first two digits of
// an access key.
type StateCode uint8

const (
	StateRO StateCode = 11
	StateAC StateCode = 12
	StateAM StateCode = 13
	StateRR StateCode = 14
	StatePA StateCode = 15
	StateAP StateCode = 16
	StateTO StateCode = 17
	StateMA StateCode = 21
	StatePI StateCode = 22
	StateCE StateCode = 23
	StateRN StateCode = 24
	StatePB StateCode = 25
	StatePE StateCode = 26
	StateAL StateCode = 27
	StateSE StateCode = 28
	StateBA StateCode = 29
	StateMG StateCode = 31
	StateES StateCode = 32
	StateRJ StateCode = 33
	StateSP StateCode = 35
	StatePR StateCode = 41
	StateSC StateCode = 42
	StateRS StateCode = 43
	StateMS StateCode = 50
	StateMT StateCode = 51
	StateGO StateCode = 52
	StateDF StateCode = 53
)

// Kind identifies the portal a receipt has to be scraped from.
type Kind int

const (
	KindUnsupported Kind = iota
	KindSaoPaulo
	KindMinasGerais
	KindRioDeJaneiro
	KindParana
	KindRioGrandeDoSul
	// KindVirtual is the shared portal run by Rio Grande do Sul for states
	// without their own.
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindSaoPaulo:
		return "sao_paulo"
	case KindMinasGerais:
		return "minas_gerais"
	case KindRioDeJaneiro:
		return "rio_de_janeiro"
	case KindParana:
		return "parana"
	case KindRioGrandeDoSul:
		return "rio_grande_do_sul"
	case KindVirtual:
		return "virtual"
	default:
		return "unsupported"
	}
}

// Kind maps the state to its portal. Codes that name no state are
// KindUnsupported.
func (s StateCode) Kind() Kind {
	switch s {
	case StateSP:
		return KindSaoPaulo
	case StateMG:
		return KindMinasGerais
	case StateRJ:
		return KindRioDeJaneiro
	case StatePR:
		return KindParana
	case StateRS:
		return KindRioGrandeDoSul
	case StateRO, StateAC, StateAM, StateRR, StatePA, StateAP, StateTO,
		StateMA, StatePI, StateCE, StateRN, StatePB, StatePE, StateAL,
		StateSE, StateBA, StateES, StateSC, StateMS, StateMT, StateGO,
		StateDF:
		return KindVirtual
	default:
		return KindUnsupported
	}
}

func (s StateCode) String() string { return fmt.Sprintf("%02d", uint8(s)) }
