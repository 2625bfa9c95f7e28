package main

import (
	"context"
	"os"

	"github.com/kierenj/beatbrain-mod/internal/cast"
	"github.com/kierenj/beatbrain-mod/internal/config"
	"github.com/kierenj/beatbrain-mod/internal/protocol"
	"github.com/kierenj/beatbrain-mod/internal/util"
)

// runListener plays a LAN cast device until Ctrl+C.
func runListener(ctx context.Context, cfg config.Config) {
	r, err := cast.Listen(cfg.Cast.Group, cfg.Cast.Interface, func(t protocol.CastType) {
		util.LogInfo("flash: %s", t)
	})
	if err != nil {
		util.LogError("failed to start listener: %v", err)
		os.Exit(1)
	}
	defer r.Close()

	util.LogSuccess("listening for pings on %s", cfg.Cast.Group)
	<-ctx.Done()
	util.LogInfo("received %d pings", r.Pings())
}
