//go:build !linux

package main

import "errors"

func checkPrivileges() error {
	return errors.New("only linux is supported")
}
