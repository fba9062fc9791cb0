package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "devzarr",
	Level: hclog.LevelFromString("INFO"),
})
