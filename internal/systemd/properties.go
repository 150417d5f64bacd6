package systemd

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// Interface names accepted by Client.Properties.
const (
	UnitInterface    = unitInterface
	ServiceInterface = serviceInterface
	SocketInterface  = "org.freedesktop.systemd1.Socket"
	TimerInterface   = "org.freedesktop.systemd1.Timer"
)

// Properties reads every property of iface on unit. For any interface other
// than Unit, a unit without that interface yields (nil, nil).
func (c *Client) Properties(ctx context.Context, unit, iface string) (Properties, error) {
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return nil, err
	}
	path, err := c.bus.UnitPath(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.propertiesAt(ctx, path, iface)
}

// PropertiesByPath is Properties for a unit object path, as returned by
// ListUnits.
func (c *Client) PropertiesByPath(ctx context.Context, unitPath, iface string) (Properties, error) {
	path := dbus.ObjectPath(unitPath)
	if !path.IsValid() || !strings.HasPrefix(unitPath, unitPathPrefix) {
		return nil, apperrors.InvalidInput("invalid unit path %q", unitPath)
	}
	return c.propertiesAt(ctx, path, iface)
}

func (c *Client) propertiesAt(ctx context.Context, path dbus.ObjectPath, iface string) (Properties, error) {
	switch iface {
	case UnitInterface, ServiceInterface, SocketInterface, TimerInterface:
	default:
		return nil, apperrors.InvalidInput("unsupported interface %q", iface)
	}

	props, err := c.bus.Properties(ctx, path, iface)
	if err != nil {
		if iface != UnitInterface && isOptionalInterfaceError(err) {
			return nil, nil
		}
		return nil, err
	}
	return props, nil
}
