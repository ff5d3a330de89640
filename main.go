package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"twinlink/commands"
	"twinlink/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

// loadRoleConfig loads the config file for the ap and station subcommands. The subcommand decides the role.
func loadRoleConfig(file, role string) *config.Config {
	cfg, err := config.NewConfigFromFile(file)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.Role != role {
		log.Warnf("Config %s is for role %q, running as %q", file, cfg.Node.Role, role)
		cfg.Node.Role = role
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config for role %s: %v", role, err)
		}
	}

	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	initRole := initCmd.String("role", config.RoleAccessPoint, "Role to write the default config for (ap or station)")
	registerGlobalFlags(initCmd)

	apCmd := flag.NewFlagSet("ap", flag.ExitOnError)
	registerGlobalFlags(apCmd)

	stationCmd := flag.NewFlagSet("station", flag.ExitOnError)
	registerGlobalFlags(stationCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand: init, ap, station or info")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		var cfg *config.Config
		switch *initRole {
		case config.RoleAccessPoint:
			cfg = config.NewEmptyConfig(*configFile)
		case config.RoleStation:
			cfg = config.NewStationConfig(*configFile)
		default:
			log.Fatalf("Invalid role '%s'", *initRole)
		}
		commands.RunInit(ctx, cfg)
	case "ap":
		apCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunNode(ctx, loadRoleConfig(*configFile, config.RoleAccessPoint))
	case "station":
		stationCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunNode(ctx, loadRoleConfig(*configFile, config.RoleStation))
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg, err := config.NewConfigFromFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		commands.RunInfo(ctx, cfg)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
