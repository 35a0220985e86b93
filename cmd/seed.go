package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/db"
	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo operators and users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo operators and users...")

		if err := seedOperators(sqlDB); err != nil {
			return err
		}
		if err := seedUsers(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedOperators upserts deterministic admin API keys.
func seedOperators(dbx *sqlx.DB) error {
	operators := []model.Operator{
		{Name: "oncall", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: intptr(20)},
		{Name: "support", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: intptr(5)},
		{Name: "former-employee", APIKey: "44444444444444444444444444444444", Status: "suspended"},
	}

	const q = `
INSERT INTO operators
    (name, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name           = VALUES(name),
    status         = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at     = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, o := range operators {
		if _, err := tx.Exec(q, o.Name, o.APIKey, o.Status, o.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert operator %q: %w", o.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit operators: %w", err)
	}
	return nil
}

// seedUsers creates a referrer and a referred customer known to the payment provider.
func seedUsers(dbx *sqlx.DB) error {
	const q = `
INSERT INTO users
    (email, provider_customer_id, referred_by, subscription_tier, created_at, updated_at)
VALUES
    (?, ?, ?, 'free', NOW(), NOW())
ON DUPLICATE KEY UPDATE
    provider_customer_id = VALUES(provider_customer_id),
    referred_by          = VALUES(referred_by),
    updated_at           = VALUES(updated_at)
`
	users := []struct {
		email, customerID, referrer string
	}{
		{"ref@example.com", "CUST_REFERRER", ""},
		{"buyer@example.com", "CUST_BUYER", "ref@example.com"},
		{"reader@example.com", "CUST_READER", ""},
	}
	for _, u := range users {
		var referredBy *int64
		if u.referrer != "" {
			var id int64
			if err := dbx.Get(&id, `SELECT id FROM users WHERE email = ?`, u.referrer); err != nil {
				return fmt.Errorf("lookup referrer %q: %w", u.referrer, err)
			}
			referredBy = &id
		}
		if _, err := dbx.Exec(q, u.email, u.customerID, referredBy); err != nil {
			return fmt.Errorf("insert user %q: %w", u.email, err)
		}
	}
	return nil
}

func intptr(i int) *int { return &i }
