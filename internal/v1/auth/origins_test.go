package auth

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	tests := []struct {
		name   string
		envVal string
		set    bool
		want   []string
	}{
		{
			name:   "comma separated list",
			envVal: "http://localhost:3000,https://game.example.com",
			set:    true,
			want:   []string{"http://localhost:3000", "https://game.example.com"},
		},
		{
			name:   "single origin",
			envVal: "https://game.example.com",
			set:    true,
			want:   []string{"https://game.example.com"},
		},
		{
			name: "unset falls back to defaults",
			want: defaults,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "TEST_ALLOWED_ORIGINS"
			if tt.set {
				t.Setenv(key, tt.envVal)
			} else {
				_ = os.Unsetenv(key)
			}

			got := GetAllowedOriginsFromEnv(key, defaults)
			assert.Equal(t, tt.want, got)
		})
	}
}
