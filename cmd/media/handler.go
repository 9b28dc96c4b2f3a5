package media

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/openindiana-up/cmd/core"
	"github.com/projecteru2/openindiana-up/images/iso"
	"github.com/projecteru2/openindiana-up/options"
)

type Handler struct {
	cmdcore.BaseHandler
}

// Pull fetches the media named by args[0] (default: the current release).
func (h Handler) Pull(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	var input string
	if len(args) > 0 {
		input = args[0]
	}
	src := options.ClassifyInput(input)
	if !src.Remote() {
		return fmt.Errorf("%w: pull needs a URL or a release version, got path %q", options.ErrUsage, src.Path)
	}
	output, _ := cmd.Flags().GetString("output")

	path, err := iso.New(conf).Ensure(ctx, iso.Request{Source: src, Output: output}, cmdcore.DownloadTracker(ctx, src.URL))
	if err != nil {
		return fmt.Errorf("pull %s: %w", src.URL, err)
	}
	log.WithFunc("cmd.pull").Infof(ctx, "done: %s", path)
	return nil
}
