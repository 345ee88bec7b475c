package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("COSIM_TEST_ORIGINS", "http://localhost:3000,https://studio.cosim.dev")

	origins := GetAllowedOriginsFromEnv("COSIM_TEST_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://localhost:3000", "https://studio.cosim.dev"}, origins)
}

func TestGetAllowedOriginsFromEnv_UnsetFallsBack(t *testing.T) {
	defaults := []string{"http://localhost:3000", "http://localhost:8080"}
	origins := GetAllowedOriginsFromEnv("COSIM_TEST_ORIGINS_UNSET", defaults)
	assert.Equal(t, defaults, origins)
}
