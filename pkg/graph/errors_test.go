package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrorKind
	}{
		{NewInputError("bad %s", "input"), ErrKindInput},
		{NewExtractionError(errors.New("boom")), ErrKindExtraction},
		{NewPersistenceError(errors.New("down")), ErrKindPersistence},
		{NewQueryTranslationError("no scope"), ErrKindQueryTranslation},
		{NewCorrectionApplyError(errors.New("stale")), ErrKindCorrectionApply},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.kind, KindOf(tc.err))
	}

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestRetryableOnlyForPersistence(t *testing.T) {
	assert.True(t, Retryable(NewPersistenceError(errors.New("down"))))
	assert.False(t, Retryable(NewInputError("bad")))
	assert.False(t, Retryable(NewExtractionError(errors.New("boom"))))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("stage failed: %w", NewPersistenceError(errors.New("down")))
	assert.Equal(t, ErrKindPersistence, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestEntityKeyNormalizes(t *testing.T) {
	assert.Equal(t, EntityKey("Acme Corp", "ORG"), EntityKey("  acme corp ", "ORG"))
	assert.NotEqual(t, EntityKey("Acme Corp", "ORG"), EntityKey("Acme Corp", "PERSON"))
}

func TestStageTerminal(t *testing.T) {
	assert.True(t, StageGraphRAGReady.Terminal())
	assert.True(t, StageFailed.Terminal())
	assert.False(t, StageUploaded.Terminal())
	assert.False(t, StageBuildingGraph.Terminal())
}
