package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyErrorPassesThroughPipelineErrors(t *testing.T) {
	original := &PipelineError{
		Class:      ErrClassRateLimited,
		StatusCode: 429,
		Message:    "provider throttled",
		RetryAfter: 30 * time.Second,
	}
	wrapped := fmt.Errorf("infer stage: %w", original)

	pe := ClassifyError(wrapped)
	assert.Same(t, original, pe)
	assert.Equal(t, 30*time.Second, pe.RetryAfter)
}

func TestClassifyErrorOpenAIStatuses(t *testing.T) {
	cases := []struct {
		status int
		class  string
	}{
		{401, ErrClassAuth},
		{403, ErrClassAuth},
		{429, ErrClassRateLimited},
		{408, ErrClassTransient},
		{500, ErrClassTransient},
		{502, ErrClassTransient},
		{503, ErrClassTransient},
		{400, ErrClassValidation},
		{422, ErrClassValidation},
	}
	for _, tc := range cases {
		err := &openai.APIError{HTTPStatusCode: tc.status, Message: "upstream"}
		pe := ClassifyError(err)
		assert.Equal(t, tc.class, pe.Class, "status %d", tc.status)
		assert.Equal(t, tc.status, pe.StatusCode)
	}
}

func TestClassifyErrorDeadline(t *testing.T) {
	pe := ClassifyError(context.DeadlineExceeded)
	assert.Equal(t, ErrClassTransient, pe.Class)
	assert.True(t, pe.IsRetryable())
}

func TestClassifyErrorMessagePatterns(t *testing.T) {
	cases := map[string]string{
		"dial tcp: i/o timeout":       ErrClassTransient,
		"401 Unauthorized":            ErrClassAuth,
		"invalid api key provided":    ErrClassAuth,
		"Rate limit reached for gpt":  ErrClassRateLimited,
		"502 Bad Gateway":             ErrClassTransient,
		"connection refused":          ErrClassTransient,
		"something entirely unknown":  ErrClassTransient,
	}
	for msg, class := range cases {
		pe := ClassifyError(errors.New(msg))
		assert.Equal(t, class, pe.Class, "message %q", msg)
	}
}

func TestPipelineErrorPredicates(t *testing.T) {
	assert.True(t, (&PipelineError{Class: ErrClassTransient}).IsRetryable())
	assert.True(t, (&PipelineError{Class: ErrClassRateLimited}).IsRetryable())
	assert.False(t, (&PipelineError{Class: ErrClassValidation}).IsRetryable())
	assert.False(t, (&PipelineError{Class: ErrClassAuth}).IsRetryable())
	assert.False(t, (&PipelineError{Class: ErrClassFatal}).IsRetryable())

	assert.True(t, (&PipelineError{Class: ErrClassAuth}).IsAuthError())
	assert.True(t, (&PipelineError{Class: ErrClassFatal}).IsFatal())
}

func TestConstructors(t *testing.T) {
	ve := NewValidationError("bad field %s", "turn")
	assert.Equal(t, ErrClassValidation, ve.Class)
	assert.Contains(t, ve.Message, "bad field turn")

	te := NewTransientError(errors.New("boom"))
	require.NotNil(t, te)
	assert.Equal(t, ErrClassTransient, te.Class)

	fe := NewFatalError("invariant broken")
	assert.Equal(t, ErrClassFatal, fe.Class)
}
