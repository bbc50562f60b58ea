package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/ebogdum/lablock/config"
)

// validateConfig validates the lablock configuration and displays settings
func validateConfig(cmd *cobra.Command, args []string) error {
	fmt.Println("Validating configuration...")

	cfg, err := config.LoadConfigFromFile(configFilePath)
	if err != nil {
		fmt.Printf("❌ Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Println("✅ Configuration is valid")
	fmt.Printf("Namespace: %s\n", cfg.Lock.Namespace)
	fmt.Printf("Lock TTL: %s (poll every %s, grace %s)\n", cfg.Lock.TTL, cfg.Lock.PollInterval, cfg.Lock.Grace)
	fmt.Printf("Release Mode: %s\n", cfg.Lock.ReleaseMode)
	fmt.Printf("Store Type: %s\n", cfg.Store.Type)

	switch cfg.Store.Type {
	case config.StoreRedis:
		fmt.Printf("Redis Address: %s (db %d)\n", cfg.Store.RedisAddr, cfg.Store.RedisDB)
	case config.StorePostgres:
		fmt.Printf("PostgreSQL DSN: %s\n", maskDSN(cfg.Store.PostgresDSN))
	case config.StoreSQLite:
		fmt.Printf("SQLite Path: %s\n", cfg.Store.SQLitePath)
	case config.StoreHTTP:
		fmt.Printf("Gateway Endpoint: %s\n", cfg.Store.HTTPEndpoint)
	}
	if cfg.Store.DiscoveryDomain != "" {
		fmt.Printf("Discovery Domain: %s\n", cfg.Store.DiscoveryDomain)
	}
	fmt.Printf("Gateway Listen Address: %s\n", cfg.Server.ListenAddr)

	return nil
}

// maskDSN hides the password of a database DSN for display
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}

	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if len(dsn) > 20 {
			return dsn[:10] + "***" + dsn[len(dsn)-7:]
		}
		return "***"
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
