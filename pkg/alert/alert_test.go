package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	const threshold = 0.05

	cases := []struct {
		name      string
		myRisk    float64
		sum       float64
		allowance float64
		nearby    bool
		want      State
	}{
		{"test recommended wins over exceeded", 0.2, 20, 10, true, TestRecommended},
		{"risk exactly at threshold", threshold, 0, 10, false, TestRecommended},
		{"allowance exceeded", 0, 11, 10, false, AllowanceExceeded},
		{"allowance exceeded ignores nearby", 0, 11, 10, true, AllowanceExceeded},
		{"warning idle", 0, 6, 10, false, AllowanceWarningIdle},
		{"warning nearby", 0, 6, 10, true, AllowanceWarningNearby},
		{"exactly half is nominal", 0, 5, 10, false, NominalIdle},
		{"exactly the allowance is a warning", 0, 10, 10, false, AllowanceWarningIdle},
		{"nominal nearby", 0.01, 1, 10, true, NominalNearby},
		{"zero allowance with zero sum", 0, 0, 0, false, NominalIdle},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Derive(tc.myRisk, threshold, tc.sum, tc.allowance, tc.nearby)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestStateDiode(t *testing.T) {
	assert.Equal(t, DiodeGreen, NominalIdle.Diode())
	assert.Equal(t, DiodeGreenBlink, NominalNearby.Diode())
	assert.Equal(t, DiodeYellow, AllowanceWarningIdle.Diode())
	assert.Equal(t, DiodeYellowBlink, AllowanceWarningNearby.Diode())
	assert.Equal(t, DiodeRed, AllowanceExceeded.Diode())
	assert.Equal(t, DiodeRedBlink, TestRecommended.Diode())
	assert.Equal(t, DiodeOff, Unset.Diode())
	assert.False(t, Unset.Valid())
	assert.True(t, TestRecommended.Valid())
}

func TestMachine_TestRecommendedIsSticky(t *testing.T) {
	m := NewMachine()

	state, changed := m.Observe(NominalIdle)
	assert.True(t, changed)
	assert.Equal(t, NominalIdle, state)

	_, changed = m.Observe(NominalIdle)
	assert.False(t, changed, "same state is not a change")

	_, changed = m.Observe(TestRecommended)
	assert.True(t, changed)

	for _, s := range []State{NominalIdle, AllowanceExceeded, AllowanceWarningNearby} {
		state, changed = m.Observe(s)
		assert.False(t, changed)
		assert.Equal(t, TestRecommended, state)
	}

	state, changed = m.Clear(NominalNearby)
	assert.True(t, changed)
	assert.Equal(t, NominalNearby, state)

	_, changed = m.Observe(AllowanceExceeded)
	assert.True(t, changed, "after clearing the machine follows derivation again")
}

func TestMachine_ClearOutsideTestRecommendedIsNoop(t *testing.T) {
	m := NewMachine()
	m.Observe(AllowanceExceeded)

	state, changed := m.Clear(NominalIdle)
	assert.False(t, changed)
	assert.Equal(t, AllowanceExceeded, state)
}

func TestDisplayFunc(t *testing.T) {
	var shown []State
	var d Display = DisplayFunc(func(s State) { shown = append(shown, s) })

	d.Show(NominalIdle)
	d.Show(TestRecommended)
	assert.Equal(t, []State{NominalIdle, TestRecommended}, shown)
}
