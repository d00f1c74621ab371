package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/WilliamJin123/tract/internal/content"
)

func TestContentTypeFromFlag(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		want    content.Type
		wantErr bool
	}{
		{name: "empty defaults to dialogue", flag: "", want: content.Dialogue},
		{name: "dialogue", flag: "dialogue", want: content.Dialogue},
		{name: "instruction", flag: "instruction", want: content.Instruction},
		{name: "tool_io", flag: "tool_io", want: content.ToolIO},
		{name: "freeform", flag: "freeform", want: content.Freeform},
		{name: "unknown", flag: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := contentTypeFromFlag(tt.flag)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
