package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linesport/oddstream/errors"
)

func validTick() Tick {
	return Tick{
		Exchange:  "A",
		GameID:    "G1",
		Line:      1.5,
		Juice:     -110,
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Price:     1.91,
		Size:      250,
	}
}

func TestTick_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tick)
		ok     bool
	}{
		{"valid", func(*Tick) {}, true},
		{"missing exchange", func(tk *Tick) { tk.Exchange = "" }, false},
		{"missing gameId", func(tk *Tick) { tk.GameID = "" }, false},
		{"zero timestamp", func(tk *Tick) { tk.Timestamp = time.Time{} }, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tk := validTick()
			test.mutate(&tk)
			err := tk.Validate()
			if test.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			}
		})
	}
}

func TestTick_Fingerprint_Deterministic(t *testing.T) {
	a := validTick()
	b := validTick()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestTick_Fingerprint_DistinguishesIdentityFields(t *testing.T) {
	base := validTick()

	changed := base
	changed.Exchange = "B"
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	changed = base
	changed.GameID = "G2"
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	changed = base
	changed.Line = 2.5
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	changed = base
	changed.Timestamp = base.Timestamp.Add(time.Millisecond)
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())
}

func TestTick_Fingerprint_IgnoresNonIdentityFields(t *testing.T) {
	base := validTick()

	changed := base
	changed.Price = 99.0
	changed.Size = 1
	changed.Juice = 105
	assert.Equal(t, base.Fingerprint(), changed.Fingerprint())
}

func TestTick_Fingerprint_SubMillisecondCollapse(t *testing.T) {
	// Timestamps inside the same millisecond fingerprint identically
	base := validTick()
	same := base
	same.Timestamp = base.Timestamp.Add(100 * time.Microsecond)
	assert.Equal(t, base.Fingerprint(), same.Fingerprint())
}
