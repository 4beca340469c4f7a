package aria2

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Resource not found", "Resource not found"},
		{"bad *bold* _it_ `code` [link]", "bad bold it code link"},
		{"line1\nline2\ttab", "line1 line2 tab"},
		{"bell\x07 and\x1b escape", "bell and escape"},
		{"   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeMessage(tt.in))
		})
	}
}

func TestSnapshot(t *testing.T) {
	r := statusResponse{
		GID:             "abc",
		Status:          "error",
		ErrorCode:       "1",
		TotalLength:     10,
		CompletedLength: 5,
	}
	r.Files = append(r.Files, struct {
		Path string `json:"path"`
	}{Path: ""})

	st := r.snapshot()

	assert.False(t, st.Completed)
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, "aria2 reported error code 1", st.Error)
	assert.Empty(t, st.Files)
	assert.InDelta(t, 50.0, st.Progress().Percentage, 0.001)
}
