// Package migration creates the schema on startup so local and self-hosted
// deployments work out of the box.
package migration

import (
	aggregatedomain "github.com/georgmattin/letscoldcall/internal/aggregate/domain"
	apikeydomain "github.com/georgmattin/letscoldcall/internal/apikey/domain"
	entitlementdomain "github.com/georgmattin/letscoldcall/internal/entitlement/domain"
	paymentdomain "github.com/georgmattin/letscoldcall/internal/payment/domain"
	rentaldomain "github.com/georgmattin/letscoldcall/internal/rental/domain"
	subscriptiondomain "github.com/georgmattin/letscoldcall/internal/subscription/domain"
	usagedomain "github.com/georgmattin/letscoldcall/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted type. Tests migrate the same set against
// in-memory sqlite.
func Models() []any {
	return []any{
		&usagedomain.UsageEvent{},
		&usagedomain.ProcessedEvent{},
		&aggregatedomain.DailyUsage{},
		&aggregatedomain.MonthlyUsage{},
		&entitlementdomain.ActionCounter{},
		&rentaldomain.NumberRental{},
		&rentaldomain.ProvisioningIntent{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.WebhookEvent{},
		&apikeydomain.APIKey{},
	}
}

func Run(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)
