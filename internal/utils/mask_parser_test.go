package utils

import (
	"testing"
)

func TestParseMask(t *testing.T) {
	tests := []struct {
		name      string
		mask      string
		wantLen   int
		wantErr   bool
	}{
		{
			name:    "simple lowercase mask",
			mask:    "?l?l?l",
			wantLen: 3,
			wantErr: false,
		},
		{
			name:    "mixed placeholders",
			mask:    "?l?d?u?s",
			wantLen: 4,
			wantErr: false,
		},
		{
			name:    "custom charset",
			mask:    "?1?1?2",
			wantLen: 3,
			wantErr: false,
		},
		{
			name:    "with literal characters",
			mask:    "pass?l?d",
			wantLen: 6,
			wantErr: false,
		},
		{
			name:    "empty mask",
			mask:    "",
			wantLen: 0,
			wantErr: true,
		},
		{
			name:    "incomplete placeholder",
			mask:    "?l?",
			wantLen: 0,
			wantErr: true,
		},
		{
			name:    "invalid placeholder",
			mask:    "?x",
			wantLen: 0,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			positions, err := ParseMask(tt.mask)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMask() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && len(positions) != tt.wantLen {
				t.Errorf("ParseMask() got %d positions, want %d", len(positions), tt.wantLen)
			}
		})
	}
}

func TestIncrementKeyspace(t *testing.T) {
	tests := []struct {
		name      string
		mask      string
		minLength int
		maxLength int
		charsets  []string
		want      int64
		wantErr   bool
	}{
		{
			name:      "simple increment",
			mask:      "?l?l?l",
			minLength: 2,
			maxLength: 3,
			want:      26*26 + 26*26*26,
			wantErr:   false,
		},
		{
			name:      "mixed placeholders",
			mask:      "?l?d?u?s",
			minLength: 2,
			maxLength: 4,
			want:      26*10 + 26*10*26 + 26*10*26*33,
			wantErr:   false,
		},
		{
			name:      "single length",
			mask:      "?l?l?l",
			minLength: 2,
			maxLength: 2,
			want:      26 * 26,
			wantErr:   false,
		},
		{
			name:      "literal positions do not multiply",
			mask:      "a?d?d",
			minLength: 2,
			maxLength: 3,
			want:      10 + 10*10,
			wantErr:   false,
		},
		{
			name:      "custom charset",
			mask:      "?1?1",
			minLength: 1,
			maxLength: 2,
			charsets:  []string{"?l?d"},
			want:      36 + 36*36,
			wantErr:   false,
		},
		{
			name:      "min > mask length",
			mask:      "?l?l",
			minLength: 5,
			maxLength: 6,
			wantErr:   true,
		},
		{
			name:      "max > mask length (should cap)",
			mask:      "?l?l?l",
			minLength: 2,
			maxLength: 10,
			want:      26*26 + 26*26*26,
			wantErr:   false,
		},
		{
			name:      "min < 1",
			mask:      "?l?l?l",
			minLength: 0,
			maxLength: 3,
			wantErr:   true,
		},
		{
			name:      "max < min",
			mask:      "?l?l?l",
			minLength: 3,
			maxLength: 2,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IncrementKeyspace(tt.mask, tt.minLength, tt.maxLength, tt.charsets)
			if (err != nil) != tt.wantErr {
				t.Errorf("IncrementKeyspace() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("IncrementKeyspace() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaskLength(t *testing.T) {
	tests := []struct {
		name    string
		mask    string
		want    int
		wantErr bool
	}{
		{
			name:    "simple mask",
			mask:    "?l?l?l",
			want:    3,
			wantErr: false,
		},
		{
			name:    "mixed mask",
			mask:    "?l?d?u?s",
			want:    4,
			wantErr: false,
		},
		{
			name:    "with literals",
			mask:    "pass?l?d",
			want:    6,
			wantErr: false,
		},
		{
			name:    "empty mask",
			mask:    "",
			want:    0,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MaskLength(tt.mask)
			if (err != nil) != tt.wantErr {
				t.Errorf("MaskLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MaskLength() = %v, want %v", got, tt.want)
			}
		})
	}
}
