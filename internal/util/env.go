package util

import (
	"os"

	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv loads the given dotenv files into the process environment,
// skipping files that do not exist. Without arguments it loads ".env".
// Variables already set in the environment are not overridden.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		logger.Debug("No .env file found, using system environment variables")
		return nil
	}
	return godotenv.Load(existing...)
}
