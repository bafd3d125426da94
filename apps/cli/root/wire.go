package root

import (
	"github.com/Sheety35/multi-store-k8s-platform/apps/cli/cmd/bootstrap"
	"github.com/Sheety35/multi-store-k8s-platform/apps/cli/cmd/gc"
)

func init() {
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(gc.Command())
}
