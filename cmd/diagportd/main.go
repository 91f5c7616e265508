// Command diagportd runs the diagport daemon in the foreground, for service
// managers that supervise the process directly.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"

	"diagport/internal/config"
	"diagport/internal/daemonrun"
)

const configEnvVar = "DIAGPORT_CONFIG"

func main() {
	cfg, _, _, err := config.Load(configPath(os.Args[1:], os.Getenv(configEnvVar)))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("diagportd: %v", err)
	}
}

// configPath prefers an explicit first argument over the environment. An
// empty result selects the default location.
func configPath(args []string, env string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0])
	}
	return strings.TrimSpace(env)
}
