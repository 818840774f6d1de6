package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/flotillaproject/flotilla/internal/common"
	"github.com/flotillaproject/flotilla/internal/common/health"
	"github.com/flotillaproject/flotilla/internal/flotilla"
	"github.com/flotillaproject/flotilla/internal/flotilla/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.FlotillaConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/flotilla", userSpecifiedConfig)

	log.Info("Starting...")

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopSignal
		cancel()
	}()

	err := flotilla.Serve(ctx, &config, health.NewMultiChecker())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Flotilla orchestrator failed: %s", err)
	}
	log.Info("Shutdown complete")
}
