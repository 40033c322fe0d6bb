package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKinds(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr bool
	}{
		{
			name: "empty defaults to both kinds",
			in:   nil,
			want: []string{KindOpinion, KindStatement},
		},
		{
			name: "single kind preserved",
			in:   []string{KindStatement},
			want: []string{KindStatement},
		},
		{
			name: "duplicates collapsed",
			in:   []string{KindOpinion, KindOpinion, KindStatement},
			want: []string{KindOpinion, KindStatement},
		},
		{
			name: "order preserved",
			in:   []string{KindStatement, KindOpinion},
			want: []string{KindStatement, KindOpinion},
		},
		{
			name:    "unknown kind rejected",
			in:      []string{"critique"},
			wantErr: true,
		},
		{
			name:    "valid kind mixed with unknown rejected",
			in:      []string{KindOpinion, "agent"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeKinds(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown kind")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
