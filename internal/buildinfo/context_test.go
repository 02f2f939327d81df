package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextGetters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                    string
		ctx                     *Context
		version, date, revision string
	}{
		{"nil context", nil, UnknownValue, UnknownValue, UnknownValue},
		{"empty values", NewContext("", "", ""), UnknownValue, UnknownValue, UnknownValue},
		{"set values", NewContext("v1.2.0", "2024-05-01", "abc123"), "v1.2.0", "2024-05-01", "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.GetVersion())
			assert.Equal(t, tt.date, tt.ctx.GetBuildDate())
			assert.Equal(t, tt.revision, tt.ctx.GetCommit())
		})
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "aedbatch@v1.2.0", NewContext("v1.2.0", "", "").Release("aedbatch"))
	assert.Equal(t, "aedbatch@unknown", NewContext("", "", "").Release("aedbatch"))
	assert.Equal(t, "version v1.2.0 (commit unknown, built unknown)", NewContext("v1.2.0", "", "").String())
}
