package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/koltyakov/managedsp/internal/domain"
	"github.com/koltyakov/managedsp/internal/netutil"
	"github.com/koltyakov/managedsp/internal/placement"
)

func runServerAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: managedsp server <add|list|ports> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runServerAdd(ctx, args[1:])
	case "list":
		return runServerList(ctx, args[1:])
	case "ports":
		return runServerPorts(ctx, args[1:])
	default:
		fmt.Fprintln(stderr, "unknown server command:", args[0])
		return 2
	}
}

func runServerAdd(ctx context.Context, args []string) int {
	var (
		srv      domain.Server
		lat, lon float64
		flags    *pflag.FlagSet
	)
	a, _, code := command(ctx, "server-add", args, func(fs *pflag.FlagSet) {
		flags = fs
		fs.StringVar(&srv.ID, "id", "", "server id")
		fs.StringVar(&srv.Pool, "pool", domain.DefaultPool, "federation pool")
		fs.StringVar(&srv.IP4, "ip4", "", "IPv4 address")
		fs.StringVar(&srv.IP6, "ip6", "", "IPv6 address")
		fs.Float64Var(&lat, "lat", 0, "latitude in degrees")
		fs.Float64Var(&lon, "lon", 0, "longitude in degrees")
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	srv.ID = strings.TrimSpace(srv.ID)
	srv.Pool = strings.TrimSpace(srv.Pool)
	if srv.ID == "" || srv.Pool == "" {
		fmt.Fprintln(stderr, "missing --id or --pool")
		return 2
	}
	if !srv.HasIPv4() && !srv.HasIPv6() {
		fmt.Fprintln(stderr, "a server needs --ip4, --ip6 or both")
		return 2
	}
	if err := netutil.CheckServerAddrs(srv.IP4, srv.IP6); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if flags.Changed("lat") != flags.Changed("lon") {
		fmt.Fprintln(stderr, "--lat and --lon go together")
		return 2
	}
	if flags.Changed("lat") {
		srv.Location = &domain.Location{Lat: lat, Lon: lon}
	}
	if err := a.store.UpsertServer(ctx, srv); err != nil {
		fmt.Fprintln(stderr, "add server:", err)
		return 1
	}
	fmt.Fprintf(stdout, "server %s in pool %s, capacity %d\n", srv.ID, srv.Pool, placement.Capacity(srv, a.engine.CapacityBase()))
	return 0
}

func runServerList(ctx context.Context, args []string) int {
	var pool string
	a, _, code := command(ctx, "server-list", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&pool, "pool", "", "only list this pool")
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	var (
		loads []domain.ServerLoad
		err   error
	)
	if pool = strings.TrimSpace(pool); pool != "" {
		loads, err = a.store.PoolLoad(ctx, pool)
	} else {
		loads, err = a.store.ListServers(ctx)
	}
	if err != nil {
		fmt.Fprintln(stderr, "list servers:", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPOOL\tIPV4\tIPV6\tLOAD\tLOCATION")
	for _, sl := range loads {
		capacity := placement.Capacity(sl.Server, a.engine.CapacityBase())
		flag := ""
		if placement.NearSaturation(sl.Load, capacity) {
			flag = " !"
		}
		location := "-"
		if sl.Server.Location != nil {
			location = fmt.Sprintf("%.4f,%.4f", sl.Server.Location.Lat, sl.Server.Location.Lon)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d%s\t%s\n",
			sl.Server.ID, sl.Server.Pool, orDash(sl.Server.IP4), orDash(sl.Server.IP6), sl.Load, capacity, flag, location)
	}
	_ = tw.Flush()
	return 0
}

func runServerPorts(ctx context.Context, args []string) int {
	a, rest, code := command(ctx, "server-ports", args, nil)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: managedsp server ports <server-id>")
		return 2
	}
	res, err := a.store.Reservations(ctx, rest[0])
	if err != nil {
		fmt.Fprintln(stderr, "list ports:", err)
		return 1
	}
	for _, r := range res {
		fmt.Fprintf(stdout, "%d\tdeployment=%d\t%s\n", r.Port, r.DeploymentID, r.Slot)
	}
	return 0
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
