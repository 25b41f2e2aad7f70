package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_ClampsRegressingProgress(t *testing.T) {
	var got []Event
	em := NewEmitter(func(ev Event) { got = append(got, ev) })

	em.Emit(Event{Status: StatusSearching, Stage: SearchStageNodeEmbedding, Progress: 0.4})
	em.Emit(Event{Status: StatusSearching, Stage: SearchStageExactMatch, Progress: 0.2})

	assert.Equal(t, 0.4, got[0].Progress)
	assert.Equal(t, 0.4, got[1].Progress, "late events never move progress backwards")
}

func TestEmitter_SingleTerminal(t *testing.T) {
	var got []Event
	em := NewEmitter(func(ev Event) { got = append(got, ev) })

	em.Emit(Event{Status: StatusComplete})
	em.Emit(Event{Status: StatusError, Kind: "internal"})
	em.Emit(Event{Status: StatusSearching, Progress: 0.9})

	assert.Len(t, got, 1)
	assert.Equal(t, StatusComplete, got[0].Status)
	assert.True(t, em.Terminated())
}

func TestEmitter_NilSafe(t *testing.T) {
	var em *Emitter
	em.Emit(Event{Status: StatusStarted})
	assert.False(t, em.Terminated())

	em = NewEmitter(nil)
	em.Emit(Event{Status: StatusComplete})
	assert.False(t, em.Terminated(), "a sinkless emitter records nothing")
}
