package candle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"market-streamer/pkg/shared"
)

func TestSaveAsyncAfterCloseIsDropped(t *testing.T) {
	s := NewPgStore(nil, shared.NopLogger{}, 4)
	s.Close()

	// A write racing shutdown must be dropped, never panic.
	assert.NotPanics(t, func() {
		s.SaveAsync(shared.Candle{Symbol: "005930", Interval: "1m"})
	})

	// Close is idempotent.
	assert.NotPanics(t, s.Close)
}
