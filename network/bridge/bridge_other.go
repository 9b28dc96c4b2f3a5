//go:build !linux

package bridge

import (
	"context"
	"errors"
)

var errNotSupported = errors.New("bridged networking is only supported on linux")

func platformLinks(_ *Provider) links { return unsupported{} }

type unsupported struct{}

func (unsupported) Lookup(string) (bool, bool, error) { return false, false, errNotSupported }
func (unsupported) Add(context.Context, string) error { return errNotSupported }
func (unsupported) SetUp(context.Context, string) error { return errNotSupported }
