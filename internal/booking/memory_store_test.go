package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"showtime-booking/internal/errs"
	"showtime-booking/internal/seatmap"
)

func TestAddPerformanceRejectsSubjectCharacters(t *testing.T) {
	store := NewMemoryStore()

	for _, id := range []string{"", "evening.show", "late show", "p>"} {
		err := store.AddPerformance(Performance{ID: id, StartsAt: time.Now()}, seatmap.Grid(id, 1, 1, 0))
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr, id)
		assert.Equal(t, errs.ReasonInvalidRequest, verr.Reason)
	}

	require.NoError(t, store.AddPerformance(Performance{ID: "evening", StartsAt: time.Now()}, seatmap.Grid("evening", 1, 1, 0)))
	_, err := store.SeatMap(t.Context(), "evening")
	assert.NoError(t, err)
}
