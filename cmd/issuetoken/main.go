// Package main provides a CLI tool for issuing and revoking session tokens.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/enfaria/internal/config"
	"github.com/cory-johannsen/enfaria/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userID := flag.Uint64("user-id", 0, "account id the token authenticates (required unless -revoke)")
	name := flag.String("name", "", "display name of the player (required unless -revoke)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	revoke := flag.String("revoke", "", "revoke this token instead of issuing one")
	flag.Parse()

	if *revoke == "" && (*userID == 0 || *name == "") {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewTokenRepository(pool.DB())

	if *revoke != "" {
		if err := repo.Revoke(ctx, *revoke); err != nil {
			log.Fatalf("revoking token: %v", err)
		}
		fmt.Fprintf(os.Stdout, "token revoked [%s]\n", time.Since(start))
		return
	}

	token, err := repo.Issue(ctx, *userID, *name, *ttl)
	if err != nil {
		log.Fatalf("issuing token for %s (#%d): %v", *name, *userID, err)
	}
	fmt.Fprintf(os.Stdout, "%s\n", token)
	fmt.Fprintf(os.Stderr, "issued token for %s (#%d), expires in %s [%s]\n", *name, *userID, *ttl, time.Since(start))
}
