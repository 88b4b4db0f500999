// Package main issues operator tokens for the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/service/auth"
)

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
}

// run signs a token with the configured secret. Only the auth section of the
// configuration is required, so a secret in the environment is enough.
func run(args []string, getenv func(string) string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tokengen", flag.ContinueOnError)
	operator := fs.String("operator", "", "operator name recorded in the token subject")
	lifetime := fs.Duration("lifetime", 0, "token lifetime (default auth.token_lifetime_minutes)")
	secret := fs.String("secret", "", "signing secret (default $"+config.EnvPrefix+"_AUTH_JWT_SECRET)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return errors.New("-operator is required")
	}

	cfg := config.AuthConfig{
		JWTSecret:            *secret,
		TokenLifetimeMinutes: 60,
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = getenv(config.EnvPrefix + "_AUTH_JWT_SECRET")
	}
	if *lifetime <= 0 {
		*lifetime = time.Duration(cfg.TokenLifetimeMinutes) * time.Minute
	}

	svc, err := auth.NewJWTService(cfg)
	if err != nil {
		return err
	}
	token, err := svc.GenerateToken(context.Background(), *operator, *lifetime)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}
