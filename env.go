package strand

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// LoadEnv loads credentials such as ANTHROPIC_API_KEY from .env files into the
// process environment. Variables already set in the environment win. With no
// arguments ".env" in the working directory is read. Missing files are not an
// error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}
