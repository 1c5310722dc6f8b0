// Command token mints JWTs for the royalty API and hashes API keys for the
// principals section of the config file.
//
//	token -subject dsp-ingest -role reporter
//	token -hash-key "$KEY"
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/config"
	"github.com/mmynk/royalties/pkg/logging"
)

func main() {
	var (
		subject = flag.String("subject", "", "token subject")
		role    = flag.String("role", string(auth.RoleReporter), "registry, reporter or operator")
		ttl     = flag.Duration("ttl", 0, "token lifetime (defaults to the configured token_ttl)")
		hashKey = flag.String("hash-key", "", "print the bcrypt hash of this API key and exit")
	)
	flag.Parse()
	logging.Setup()

	if *hashKey != "" {
		hash, err := auth.HashKey(*hashKey)
		if err != nil {
			slog.Error("Failed to hash key", "error", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if *subject == "" {
		slog.Error("-subject is required")
		os.Exit(2)
	}
	r, err := auth.ParseRole(*role)
	if err != nil {
		slog.Error("Invalid role", "role", *role, "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}

	token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, lifetime).Generate(*subject, r)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		os.Exit(1)
	}
	slog.Debug("Token generated", "subject", *subject, "role", r, "expires", time.Now().Add(lifetime).Format(time.RFC3339))
	fmt.Println(token)
}
