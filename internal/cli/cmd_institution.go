package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/koltyakov/managedsp/internal/domain"
)

func runInstitutionAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "add" {
		fmt.Fprintln(stderr, "usage: managedsp institution add --id ID --federation POOL")
		return 2
	}
	var inst domain.Institution
	a, _, code := command(ctx, "institution-add", args[1:], func(fs *pflag.FlagSet) {
		fs.StringVar(&inst.ID, "id", "", "institution id")
		fs.StringVar(&inst.Federation, "federation", "", "federation, which is also the server pool searched first")
	})
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	inst.ID = strings.TrimSpace(inst.ID)
	inst.Federation = strings.TrimSpace(inst.Federation)
	if inst.ID == "" || inst.Federation == "" {
		fmt.Fprintln(stderr, "missing --id or --federation")
		return 2
	}
	if err := a.store.UpsertInstitution(ctx, inst); err != nil {
		fmt.Fprintln(stderr, "add institution:", err)
		return 1
	}
	fmt.Fprintf(stdout, "institution %s in federation %s\n", inst.ID, inst.Federation)
	return 0
}
