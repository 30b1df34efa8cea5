package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/georgmattin/letscoldcall/internal/aggregate"
	"github.com/georgmattin/letscoldcall/internal/cache"
	"github.com/georgmattin/letscoldcall/internal/clock"
	"github.com/georgmattin/letscoldcall/internal/config"
	"github.com/georgmattin/letscoldcall/internal/entitlement"
	"github.com/georgmattin/letscoldcall/internal/locks"
	"github.com/georgmattin/letscoldcall/internal/migration"
	"github.com/georgmattin/letscoldcall/internal/observability"
	"github.com/georgmattin/letscoldcall/internal/payment"
	"github.com/georgmattin/letscoldcall/internal/reconcile"
	"github.com/georgmattin/letscoldcall/internal/rental"
	"github.com/georgmattin/letscoldcall/internal/server"
	"github.com/georgmattin/letscoldcall/internal/subscription"
	"github.com/georgmattin/letscoldcall/internal/sweeper"
	"github.com/georgmattin/letscoldcall/internal/telephony"
	"github.com/georgmattin/letscoldcall/internal/usage"
	"github.com/georgmattin/letscoldcall/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		locks.Module,
		migration.Module,

		// Functional domains
		telephony.Module,
		aggregate.Module,
		subscription.Module,
		rental.Module,
		usage.Module,
		entitlement.Module,
		payment.Module,
		reconcile.Module,
		sweeper.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
