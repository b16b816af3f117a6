// Package alert derives the externally rendered indicator from personal risk
// and allowance usage.
package alert

// State is the externally observable alert value
type State string

const (
	Unset                  State = ""
	NominalIdle            State = "NOMINAL_IDLE"
	NominalNearby          State = "NOMINAL_NEARBY"
	AllowanceWarningIdle   State = "ALLOWANCE_WARNING_IDLE"
	AllowanceWarningNearby State = "ALLOWANCE_WARNING_NEARBY"
	AllowanceExceeded      State = "ALLOWANCE_EXCEEDED"
	TestRecommended        State = "TEST_RECOMMENDED"
)

// Diode is the colour/blink pattern of the indicator LED
type Diode string

const (
	DiodeOff         Diode = "OFF"
	DiodeGreen       Diode = "GREEN"
	DiodeGreenBlink  Diode = "GREEN_BLINK"
	DiodeYellow      Diode = "YELLOW"
	DiodeYellowBlink Diode = "YELLOW_BLINK"
	DiodeRed         Diode = "RED"
	DiodeRedBlink    Diode = "RED_BLINK"
)

// Diode maps the state onto the indicator. Blinking green or yellow means
// someone is close and the allowance is being eaten up.
func (s State) Diode() Diode {
	switch s {
	case NominalIdle:
		return DiodeGreen
	case NominalNearby:
		return DiodeGreenBlink
	case AllowanceWarningIdle:
		return DiodeYellow
	case AllowanceWarningNearby:
		return DiodeYellowBlink
	case AllowanceExceeded:
		return DiodeRed
	case TestRecommended:
		return DiodeRedBlink
	default:
		return DiodeOff
	}
}

// Valid reports whether s is one of the six rendered states
func (s State) Valid() bool {
	return s.Diode() != DiodeOff
}

// Derive computes the alert state for the current inputs. The test
// recommendation takes priority over the allowance based states.
func Derive(myRisk, threshold, sumToday, dailyAllowance float64, hasNearbyPeers bool) State {
	switch {
	case myRisk >= threshold:
		return TestRecommended
	case sumToday > dailyAllowance:
		return AllowanceExceeded
	case sumToday > dailyAllowance/2:
		if hasNearbyPeers {
			return AllowanceWarningNearby
		}
		return AllowanceWarningIdle
	default:
		if hasNearbyPeers {
			return NominalNearby
		}
		return NominalIdle
	}
}
