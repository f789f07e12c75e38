// Package ordersync parses command flags and runs the order sync client.
package ordersync

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/smartrestaurant/ordersync/internal/client"
	"github.com/smartrestaurant/ordersync/internal/order"
	entrypoint "github.com/smartrestaurant/ordersync/internal/platform/cmd"
	"github.com/smartrestaurant/ordersync/internal/session"
	sessionsqlite "github.com/smartrestaurant/ordersync/internal/session/storage/sqlite"
)

// Config holds ordersync command configuration.
type Config struct {
	ServerURL string `env:"ORDERSYNC_SERVER_URL" envDefault:"http://127.0.0.1:8000"`
	Role      string `env:"ORDERSYNC_ROLE"       envDefault:"customer"`
	DeviceID  string `env:"ORDERSYNC_DEVICE_ID"`
	TableID   string `env:"ORDERSYNC_TABLE_ID"`
	UserID    string `env:"ORDERSYNC_USER_ID"`
	Password  string `env:"ORDERSYNC_PASSWORD"`
	SessionDB string `env:"ORDERSYNC_SESSION_DB"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "restaurant server base URL")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "session role: customer, kitchen, or admin")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "device identifier reported to the server")
	fs.StringVar(&cfg.TableID, "table-id", cfg.TableID, "table identifier for customer sessions")
	fs.StringVar(&cfg.UserID, "user-id", cfg.UserID, "account to log in as when no session survives")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "password for the login fallback")
	fs.StringVar(&cfg.SessionDB, "session-db", cfg.SessionDB, "SQLite file persisting session tokens; empty disables persistence")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the sync client, resumes or opens a session, and follows the
// projected order view until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrderSync, func(context.Context) error {
		role, ok := order.ParseRole(cfg.Role)
		if !ok {
			return fmt.Errorf("unknown role %q", cfg.Role)
		}

		var sessions session.Store
		if cfg.SessionDB != "" {
			store, err := sessionsqlite.Open(cfg.SessionDB)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}
			defer store.Close()
			sessions = store
		}

		c := client.New(client.Config{
			BaseURL:  cfg.ServerURL,
			Sessions: sessions,
		})
		defer c.Close()

		sess, found, err := c.Restore(ctx, role)
		if err != nil {
			return fmt.Errorf("restore session: %w", err)
		}
		if found {
			log.Printf("resumed %s session for device %s", sess.Role, sess.DeviceID)
		} else {
			sess, err = c.Login(ctx, cfg.DeviceID, cfg.TableID, cfg.UserID, cfg.Password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			log.Printf("opened %s session for device %s", sess.Role, cfg.DeviceID)
		}

		views, cancel := c.Subscribe(client.SubscribeOptions{})
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case view := <-views:
				log.Printf("order view: %d orders", len(view))
			}
		}
	})
}
