//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/kestrelvmm/kestrel/cmd/kestreld/api"
	"github.com/kestrelvmm/kestrel/lib/providers"
)

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideConfig,
		providers.ProvideMachine,
		providers.ProvidePool,
		providers.ProvideBroadcaster,
		providers.ProvideReporter,
		providers.ProvideLifecycleMetrics,
		providers.ProvideGuestMetrics,
		providers.ProvideVM,
		providers.ProvideGuestAgent,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
