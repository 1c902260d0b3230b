// Command runtimeconfig prints variables stored in Google Cloud Runtime Configurator.
//
//	runtimeconfig -config my-service [-key-file key.json] [-env .env] VAR...
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	gcpconfig "github.com/NYTimes/gcp-config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("runtimeconfig", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configName := fs.String("config", "", "Runtime Configurator config holding the variables")
	keyFile := fs.String("key-file", "", "Path to a service account key, instead of the default credentials")
	envPath := fs.String("env", "", "Path to a .env file to load first")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall timeout")
	verbose := fs.Bool("v", false, "Log debug output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			log.Warn().Err(err).Str("path", *envPath).Msg("could not load env file")
		}
	}

	if *configName == "" || fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: runtimeconfig -config NAME [flags] VAR...")
		fs.PrintDefaults()
		return 2
	}

	var cfg gcpconfig.Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Error().Err(err).Msg("invalid environment")
		return 1
	}
	if *keyFile != "" {
		cfg.SetKeyFile(*keyFile)
	}
	cfg.Logger = &log

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	names := fs.Args()
	values, err := gcpconfig.GetVariables(ctx, cfg, *configName, names)
	if err != nil {
		log.Error().Err(err).Str("config", *configName).Msg("unable to get variables")
		return 1
	}
	for i, name := range names {
		fmt.Fprintf(stdout, "%s=%s\n", name, values[i])
	}
	return 0
}
