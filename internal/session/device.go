package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/crypto"
	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/secret"
)

// DeviceIdentifier returns the persisted device identifier, creating one on
// first use from the first hardware address, or randomly if none exists.
func DeviceIdentifier(ctx context.Context, secrets secret.Store, log *zap.Logger) (string, error) {
	b, err := secrets.Get(ctx, secret.KeyDeviceIdentifier)
	if err == nil && len(b) > 0 {
		return string(b), nil
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return "", fmt.Errorf("load device identifier: %w", err)
	}

	id, err := systemIdentifier()
	if err != nil {
		log.Warn("no system device identifier, falling back to random", zap.Error(err))
		if id, err = randomIdentifier(); err != nil {
			return "", err
		}
	}
	if err := secrets.Set(ctx, secret.KeyDeviceIdentifier, []byte(id)); err != nil {
		return "", fmt.Errorf("persist device identifier: %w", err)
	}
	log.Info("device identifier created", zap.String("guid", id))
	return id, nil
}

func systemIdentifier() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) < 6 {
			continue
		}
		return strings.ToUpper(hex.EncodeToString(iface.HardwareAddr[:6])), nil
	}
	return "", errors.New("no hardware address")
}

func randomIdentifier() (string, error) {
	b, err := crypto.RandBytes(6)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}
