// Package util holds small helpers shared by the drivesync CLI
// subcommands under cmd/: fatal error reporting and panic recovery.
package util

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/kelda-inc/drivesync/pkg/errors"
)

// HandleFatalError prints err and exits the process. FriendlyErrors are
// printed verbatim, since they're already written for the user; any
// other error is printed with a generic prefix so it's clear the
// message is unexpected.
func HandleFatalError(err error) {
	if err == nil {
		return
	}

	if friendly, ok := err.(errors.FriendlyError); ok {
		fmt.Fprintln(os.Stderr, friendly.Error())
	} else {
		fmt.Fprintf(os.Stderr, "drivesync encountered an unexpected error:\n%s\n", err)
	}
	os.Exit(1)
}

// HandlePanic recovers a panic in main, logs it, and exits with a
// distinct status code so it's distinguishable from HandleFatalError's
// exit(1) in scripts that check $?.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("drivesync panicked")
		os.Exit(2)
	}
}
