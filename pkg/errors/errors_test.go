package errors

import (
	"testing"

	stderrors "errors"

	"github.com/stretchr/testify/assert"
)

func TestWithContextNil(t *testing.T) {
	assert.Nil(t, WithContext(nil, "whatever"))
}

func TestWithContextWrapsAndUnwraps(t *testing.T) {
	cause := stderrors.New("boom")
	wrapped := WithContext(cause, "do thing")

	assert.EqualError(t, wrapped, "do thing: boom")
	assert.True(t, stderrors.Is(wrapped, cause))
}

func TestUnmarshal(t *testing.T) {
	tests := []struct {
		name         string
		transportErr error
		resp         string
		expectNil    bool
		expectMsg    string
	}{
		{
			name:      "no error",
			expectNil: true,
		},
		{
			name:         "transport error wins",
			transportErr: New("transport failed"),
			resp:         "logical failure",
			expectMsg:    "transport failed",
		},
		{
			name:      "logical error surfaces",
			resp:      "logical failure",
			expectMsg: "logical failure",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Unmarshal(test.transportErr, test.resp)
			if test.expectNil {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, test.expectMsg)
		})
	}
}

func TestRecordNotFoundMessage(t *testing.T) {
	assert.Contains(t, RecordNotFound{ID: 5}.Error(), "5")
	assert.Contains(t, RecordNotFound{Path: "/a/b"}.Error(), "/a/b")
}
