package migration

import (
	"strings"

	"github.com/smallbiznis/drawdown/internal/config"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/seed"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The versioned SQL (including the stored function) targets
		// postgres. Other dialects get the schema via AutoMigrate,
		// which covers local sqlite development.
		if strings.EqualFold(conn.Dialector.Name(), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			if err := conn.AutoMigrate(
				&entdomain.Customer{},
				&entdomain.Entitlement{},
				&entdomain.Rollover{},
				&usagedomain.UsageEvent{},
			); err != nil {
				return err
			}
		}

		if cfg.DefaultOrgID != 0 && cfg.Environment != "production" {
			return seed.EnsureDemoCustomer(conn, cfg.DefaultOrgID)
		}
		return nil
	}),
)
