package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityFromInt_ValidRange_ReturnsLevel(t *testing.T) {
	for raw, want := range map[int]Priority{
		1: PriorityVIP,
		2: PriorityHigh,
		3: PriorityNormal,
		4: PriorityLow,
	} {
		got, err := PriorityFromInt(raw)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPriorityFromInt_OutOfRange_FailsWithTypedError(t *testing.T) {
	for _, raw := range []int{0, -1, 5, 100} {
		_, err := PriorityFromInt(raw)
		if err == nil {
			t.Fatalf("PriorityFromInt(%d): expected error, got nil", raw)
		}
		var invalid *ErrInvalidPriority
		if !errors.As(err, &invalid) {
			t.Errorf("PriorityFromInt(%d): error type %T, want *ErrInvalidPriority", raw, err)
		}
		if invalid.Value != raw {
			t.Errorf("ErrInvalidPriority.Value = %d, want %d", invalid.Value, raw)
		}
	}
}

func TestPriority_MoreUrgent_TotalOrdering(t *testing.T) {
	// VIP > High > Normal > Low
	ordered := Priorities()
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if !ordered[i].MoreUrgent(ordered[j]) {
				t.Errorf("%s should be more urgent than %s", ordered[i], ordered[j])
			}
			if ordered[j].MoreUrgent(ordered[i]) {
				t.Errorf("%s should not be more urgent than %s", ordered[j], ordered[i])
			}
		}
	}
}

func TestPriority_Promote_CapsAtVIP(t *testing.T) {
	assert.Equal(t, PriorityNormal, PriorityLow.Promote(1))
	assert.Equal(t, PriorityHigh, PriorityLow.Promote(2))
	assert.Equal(t, PriorityVIP, PriorityLow.Promote(3))
	assert.Equal(t, PriorityVIP, PriorityLow.Promote(10))
	assert.Equal(t, PriorityVIP, PriorityVIP.Promote(1))
}

func TestPriority_Promote_ZeroOrNegative_NoOp(t *testing.T) {
	assert.Equal(t, PriorityLow, PriorityLow.Promote(0))
	assert.Equal(t, PriorityLow, PriorityLow.Promote(-1))
}

func TestPriority_String_CoversAllLevels(t *testing.T) {
	assert.Equal(t, "vip", PriorityVIP.String())
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "low", PriorityLow.String())
}
