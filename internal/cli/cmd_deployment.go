package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/koltyakov/managedsp/internal/domain"
)

func runDeployment(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: managedsp deployment <reserve|provision|activate|deactivate|destroy|touch|freshness|show|option> ...")
		return 2
	}
	switch args[0] {
	case "reserve":
		return runDeploymentReserve(ctx, args[1:])
	case "provision":
		return runDeploymentProvision(ctx, args[1:])
	case "activate", "deactivate", "destroy", "touch", "freshness", "show":
		return runDeploymentSimple(ctx, args[0], args[1:])
	case "option":
		return runDeploymentOption(ctx, args[1:])
	default:
		fmt.Fprintln(stderr, "unknown deployment command:", args[0])
		return 2
	}
}

func runDeploymentReserve(ctx context.Context, args []string) int {
	var (
		id          int64
		institution string
	)
	a, _, code := command(ctx, "deployment-reserve", args, func(fs *pflag.FlagSet) {
		fs.Int64Var(&id, "id", 0, "deployment id")
		fs.StringVar(&institution, "institution", "", "owning institution id")
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	institution = strings.TrimSpace(institution)
	if id <= 0 || institution == "" {
		fmt.Fprintln(stderr, "missing --id or --institution")
		return 2
	}
	d, err := a.store.ReserveDeployment(ctx, id, institution, time.Now())
	if err != nil {
		fmt.Fprintln(stderr, "reserve deployment:", err)
		return 1
	}
	printDeployment(d)
	return 0
}

func runDeploymentProvision(ctx context.Context, args []string) int {
	var origin string
	a, rest, code := command(ctx, "deployment-provision", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&origin, "origin", "", "client IP used to pick nearby servers")
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	id, code := deploymentIDArg(rest)
	if code != 0 {
		return code
	}
	d, err := a.service.ProvisionIfNeeded(ctx, id, origin)
	if err != nil {
		fmt.Fprintln(stderr, "provision:", err)
		return 1
	}
	printDeployment(d)
	return 0
}

func runDeploymentSimple(ctx context.Context, verb string, args []string) int {
	a, rest, code := command(ctx, "deployment-"+verb, args, nil)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	id, code := deploymentIDArg(rest)
	if code != 0 {
		return code
	}

	var (
		d   domain.Deployment
		err error
	)
	switch verb {
	case "activate":
		d, err = a.service.Activate(ctx, id)
	case "deactivate":
		d, err = a.service.Deactivate(ctx, id)
	case "destroy":
		if err = a.service.Destroy(ctx, id); err == nil {
			fmt.Fprintln(stdout, "destroyed:", id)
			return 0
		}
	case "touch":
		var at time.Time
		if at, err = a.service.TouchFreshness(ctx, id); err == nil {
			fmt.Fprintln(stdout, "last_change:", formatTime(at))
			return 0
		}
	case "freshness":
		at, ok, ferr := a.service.GetFreshness(ctx, id)
		if ferr != nil {
			err = ferr
			break
		}
		if !ok {
			fmt.Fprintln(stderr, "freshness:", domain.ErrDeploymentNotFound)
			return 1
		}
		fmt.Fprintln(stdout, "last_change:", formatTime(at))
		return 0
	case "show":
		d, err = a.service.Get(ctx, id)
		if err == nil {
			printDeployment(d)
			return printOptions(ctx, a, id)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", verb, err)
		return 1
	}
	printDeployment(d)
	return 0
}

func runDeploymentOption(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: managedsp deployment option <set|list|clear> <id> [flags]")
		return 2
	}
	verb := args[0]
	var opt domain.Option
	a, rest, code := command(ctx, "deployment-option-"+verb, args[1:], func(fs *pflag.FlagSet) {
		switch verb {
		case "set":
			fs.StringVar(&opt.Name, "name", "", "option name")
			fs.StringVar(&opt.Value, "value", "", "option value")
			fs.StringVar(&opt.Lang, "lang", "", "language tag")
		case "clear":
			fs.StringVar(&opt.Name, "name", "", "option name; empty clears every option")
		}
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	id, code := deploymentIDArg(rest)
	if code != 0 {
		return code
	}
	switch verb {
	case "set":
		if strings.TrimSpace(opt.Name) == "" {
			fmt.Fprintln(stderr, "missing --name")
			return 2
		}
		if err := a.service.SetOption(ctx, id, opt); err != nil {
			fmt.Fprintln(stderr, "set option:", err)
			return 1
		}
		return 0
	case "list":
		return printOptions(ctx, a, id)
	case "clear":
		if err := a.service.ClearOptions(ctx, id, strings.TrimSpace(opt.Name)); err != nil {
			fmt.Fprintln(stderr, "clear options:", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintln(stderr, "unknown option command:", verb)
		return 2
	}
}

func deploymentIDArg(rest []string) (int64, int) {
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "expected exactly one deployment id")
		return 0, 2
	}
	id, err := domain.ParseDeploymentID(rest[0])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 0, 2
	}
	return id, 0
}

func printOptions(ctx context.Context, a *app, id int64) int {
	opts, err := a.service.Options(ctx, id)
	if err != nil {
		fmt.Fprintln(stderr, "list options:", err)
		return 1
	}
	for _, o := range opts {
		name := o.Name
		if o.Lang != "" {
			name += "#" + o.Lang
		}
		fmt.Fprintf(stdout, "option: %s=%s\n", name, o.Value)
	}
	return 0
}

func printDeployment(d domain.Deployment) {
	fmt.Fprintln(stdout, "id:", d.ID)
	fmt.Fprintln(stdout, "institution:", d.InstitutionID)
	fmt.Fprintln(stdout, "status:", d.Status)
	if d.Provisioned() {
		fmt.Fprintf(stdout, "primary: %s:%d (%s %s)\n", d.PrimaryServer, d.PrimaryPort, orDash(d.PrimaryHost4), orDash(d.PrimaryHost6))
		fmt.Fprintf(stdout, "backup: %s:%d (%s %s)\n", d.BackupServer, d.BackupPort, orDash(d.BackupHost4), orDash(d.BackupHost6))
		fmt.Fprintln(stdout, "secret:", d.Secret)
	}
	if d.LastChange != nil {
		fmt.Fprintln(stdout, "last_change:", formatTime(*d.LastChange))
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
