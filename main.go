package main

import (
	"github.com/kelda-inc/drivesync/cmd"
	"github.com/kelda-inc/drivesync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
