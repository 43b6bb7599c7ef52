package main

import (
	"errors"

	"golang.org/x/sys/unix"
)

// checkPrivileges returns an error if the process cannot manage iptables
// and netfilter queues.
func checkPrivileges() error {
	if unix.Geteuid() != 0 {
		return errors.New("must be run as root")
	}
	return nil
}
