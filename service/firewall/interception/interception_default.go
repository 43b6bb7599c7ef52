//go:build !linux

package interception

func openQueue(_ queueSpec) (queue, error) {
	return nil, ErrUnsupported
}

func activate(_ []queueSpec) error {
	return ErrUnsupported
}

func deactivate() error {
	return nil
}

// RemoveRules removes all queue rules, eg. after an unclean shutdown.
func RemoveRules() error {
	return nil
}
