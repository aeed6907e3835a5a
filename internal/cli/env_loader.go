package cli

import (
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/koltyakov/managedsp/internal/config"
)

// loadEnvFromDotEnv exports the MANAGEDSP_* entries of a dotenv file.
// Variables already present in the environment win. A missing or unreadable
// file is ignored.
func loadEnvFromDotEnv(path string) {
	values, err := godotenv.Read(path)
	if err != nil {
		return
	}
	prefix := config.EnvPrefix + "_"
	for key, value := range values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if existing := strings.TrimSpace(os.Getenv(key)); existing != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
