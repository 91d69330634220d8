package identifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

func TestNextMachineID_FirstAndSecond(t *testing.T) {
	first, err := NextMachineID("C01", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "C01M01", first.ID)
	assert.Equal(t, 1, first.Seq)

	second, err := NextMachineID("C01", first.Seq, []string{first.ID})
	require.NoError(t, err)
	assert.Equal(t, "C01M02", second.ID)
}

func TestNextMachineID_IgnoresOtherCategoriesAndMalformed(t *testing.T) {
	existing := []string{"C01M03", "C02M09", "C01Mxx", "C01M7", "C01M100", "C01M+9", "C01M-9", "junk"}
	got, err := NextMachineID("C01", 0, existing)
	require.NoError(t, err)
	assert.Equal(t, "C01M04", got.ID)
}

func TestNextMachineID_CounterWinsOverGaps(t *testing.T) {
	// M05 was deleted; the counter remembers it.
	got, err := NextMachineID("C01", 5, []string{"C01M01", "C01M02"})
	require.NoError(t, err)
	assert.Equal(t, "C01M06", got.ID)
}

func TestNextMachineID_Exhausted(t *testing.T) {
	_, err := NextMachineID("C01", 99, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrIdentifierExhausted))

	_, err = NextMachineID("C01", 0, []string{"C01M99"})
	assert.True(t, errors.Is(err, apperror.ErrIdentifierExhausted))
}

func TestNextMachineID_RejectsMalformedCategory(t *testing.T) {
	_, err := NextMachineID("X1", 0, nil)
	assert.True(t, errors.Is(err, apperror.ErrInvalidArgument))
}

func TestNextCategoryID(t *testing.T) {
	tests := []struct {
		name     string
		counter  int
		existing []string
		want     string
	}{
		{name: "empty", want: "C01"},
		{name: "after existing", existing: []string{"C01", "C02"}, want: "C03"},
		{name: "counter ahead", counter: 7, existing: []string{"C01"}, want: "C08"},
		{name: "malformed skipped", existing: []string{"C1", "Cab", "C001", "D05"}, want: "C01"},
		{name: "signed skipped", existing: []string{"C+5", "C-7", "C02"}, want: "C03"},
		{name: "unsorted", existing: []string{"C10", "C02"}, want: "C11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextCategoryID(tt.counter, tt.existing)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	_, err := NextCategoryID(0, []string{"C99"})
	assert.True(t, errors.Is(err, apperror.ErrIdentifierExhausted))
}

func TestParseMachineID(t *testing.T) {
	cat, seq, ok := ParseMachineID("C12M07")
	require.True(t, ok)
	assert.Equal(t, "C12", cat)
	assert.Equal(t, 7, seq)

	for _, bad := range []string{"", "M01", "C12", "C12M", "C12M1", "CxxM01", "C+1M01", "C12M+1", "C12M 1"} {
		_, _, ok := ParseMachineID(bad)
		assert.False(t, ok, bad)
	}
}
