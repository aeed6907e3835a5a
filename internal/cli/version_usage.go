package cli

import (
	"fmt"
	"strings"
)

func printUsage() {
	fmt.Fprintln(stdout, `managedsp - managed service-point placement and provisioning

Usage:
  managedsp server add --id ID --pool POOL [--ip4 A] [--ip6 A] [--lat N --lon N]
  managedsp server list [--pool POOL]           Servers with load and capacity
  managedsp server ports ID                     Ports reserved on a server
  managedsp institution add --id ID --federation POOL
  managedsp deployment reserve --id N --institution ID
  managedsp deployment provision N [--origin IP]
  managedsp deployment activate N
  managedsp deployment deactivate N
  managedsp deployment destroy N
  managedsp deployment touch N                  Advance the last-change time
  managedsp deployment freshness N              Print the last-change time
  managedsp deployment show N
  managedsp deployment option set N --name K --value V [--lang L]
  managedsp deployment option list N
  managedsp deployment option clear N [--name K]
  managedsp version
  managedsp help

Every command accepts the shared settings flags (--driver, --db,
--postgres-dsn, --log-level, --capacity-base, --port-retry-limit,
--provision-attempts, --geo-url, --geo-timeout, --redis-url, --statsd-addr,
--node-name, --config).

Environment Variables:
  MANAGEDSP_DRIVER          Store driver: sqlite|postgres (default: sqlite)
  MANAGEDSP_DB              SQLite database path (default: ./managedsp.db)
  MANAGEDSP_POSTGRES_DSN    PostgreSQL connection string
  MANAGEDSP_LOG_LEVEL       Log level: debug|info|warn|error (default: info)
  MANAGEDSP_CAPACITY_BASE   Deployments per dual-stack server (default: 200)
  MANAGEDSP_GEO_URL         Geolocation lookup URL
  MANAGEDSP_REDIS_URL       Redis URL for freshness notifications
  MANAGEDSP_STATSD_ADDR     StatsD address

A .env file in the working directory is read for MANAGEDSP_* variables.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	// GoReleaser's {{.Version}} strips the "v" prefix.
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Fprintln(stdout, "managedsp", Version)
}
