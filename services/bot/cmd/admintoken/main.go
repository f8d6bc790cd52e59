// Command admintoken mints a bearer token for the operator API.
package main

import (
	"fmt"
	"os"
	"time"

	"consultbot/internal/admintoken"
	"consultbot/services/bot/internal/config"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <subject> [ttl, e.g. 30m]\n", os.Args[0])
		os.Exit(2)
	}
	subject := os.Args[1]
	ttl := admintoken.DefaultTokenTTL
	if len(os.Args) == 3 {
		d, err := time.ParseDuration(os.Args[2])
		if err != nil || d <= 0 {
			fmt.Fprintf(os.Stderr, "invalid ttl %q\n", os.Args[2])
			os.Exit(2)
		}
		ttl = d
	}

	secret := os.Getenv("BOT_ADMIN_JWT_SECRET")
	if secret == "" {
		path := config.ConfigPath
		if v := os.Getenv("BOT_CONFIG"); v != "" {
			path = v
		}
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		secret = cfg.AdminJWTSecret
	}

	signer, err := admintoken.NewSigner(admintoken.Options{Secret: secret, TTL: ttl})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init signer: %v\n", err)
		os.Exit(1)
	}
	token, err := signer.Sign(subject)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
