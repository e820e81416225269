//go:build !linux

package bluez

import (
	"context"
	"errors"

	"github.com/mil-ad/armctl/internal/session"
)

// Dial is only available on Linux.
func (b *Bluez) Dial(context.Context, session.Device, session.LinkConfig) (session.Link, error) {
	return nil, errors.New("rfcomm sockets require linux")
}
