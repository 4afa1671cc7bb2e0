package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bft-labs/imgship/internal/logging"
)

const helpDescription = `
Package a web application into a two-stage runtime image, and serve the
bundled image gallery.

Highlights:
  - Dependencies install once into a relocatable prefix and are cached by
    manifest, so source-only changes rebuild in seconds.
  - The runtime image gets that prefix byte-for-byte, the source tree,
    PATH, port 8000 and a single startup command.
  - "serve" runs the gallery app: upload, browse and delete images.
`

var exampleUsage = strings.TrimSpace(`
  imgship serve --addr 0.0.0.0:8000 --app main:app
  imgship build --context . --output image.tar --tag gallery:latest
  imgship dockerfile --self > Dockerfile
  imgship manifest requirements.txt
  imgship cache prune --high-mb 2048 --low-mb 1536
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imgship",
		Short:         "Build two-stage runtime images and serve the image gallery",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newBuildCmd(),
		newDockerfileCmd(),
		newManifestCmd(),
		newCacheCmd(),
	)
	return root
}

func main() {
	log := logging.Logger()
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("imgship")
		os.Exit(1)
	}
}
