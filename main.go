package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/AlexxIT/go2eufy/internal/api"
	"github.com/AlexxIT/go2eufy/internal/api/ws"
	"github.com/AlexxIT/go2eufy/internal/app"
	"github.com/AlexxIT/go2eufy/internal/eufy"
)

func main() {
	app.Init() // init config and logs

	api.Init() // init HTTP API server
	ws.Init()  // init WS API endpoint

	eufy.Init() // stations from config

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs

	app.Logger.Info().Str("signal", sig.String()).Msg("exit")
}
