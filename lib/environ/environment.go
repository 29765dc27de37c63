package environ

import (
	"fmt"
	"os"
	"strings"
)

func MustGetEnv(envVars ...string) error {
	var missingParts []string
	for _, envVar := range envVars {
		if os.Getenv(envVar) == "" {
			missingParts = append(missingParts, envVar)
		}
	}

	if len(missingParts) > 0 {
		return fmt.Errorf("required environment variables %q are not set", strings.Join(missingParts, ", "))
	}

	return nil
}
