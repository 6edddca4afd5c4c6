// Command tokengen issues a signed operator token for the console and job service.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nadmax/opsconsole/internal/auth"
	"github.com/nadmax/opsconsole/internal/config"
	"github.com/nadmax/opsconsole/internal/logging"
)

func main() {
	username := flag.String("user", "", "username to embed in the token")
	role := flag.String("role", auth.RoleViewer, "role: admin, operator or viewer")
	expiry := flag.Duration("expiry", 0, "token lifetime (defaults to auth.token_expiry)")
	configPath := flag.String("config", "", "config file (defaults to CONFIG_PATH or the standard locations)")
	flag.Parse()

	log := logging.Component("tokengen")

	if *username == "" {
		fmt.Fprintln(os.Stderr, "usage: tokengen -user <name> [-role admin|operator|viewer] [-expiry 12h]")
		os.Exit(2)
	}
	switch *role {
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	default:
		log.Fatal().Str("role", *role).Msg("unknown role")
	}

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lifetime := cfg.Auth.TokenExpiry
	if *expiry > 0 {
		lifetime = *expiry
	}

	svc, err := auth.NewService(cfg.Auth.JWTSecret, lifetime)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise auth")
	}

	token, err := svc.IssueToken(*username, *role)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to issue token")
	}

	fmt.Println(token)
	log.Info().Str("user", *username).Str("role", *role).Time("expires", time.Now().Add(lifetime)).Msg("token issued")
}
