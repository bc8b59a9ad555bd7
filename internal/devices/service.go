package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidDevice indicates the registration lacked a usable identifier.
	ErrInvalidDevice = errors.New("devices: invalid device registration")
)

// RegistryConfig describes the dependencies for the device registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry tracks the devices participating in a user's sync set.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewRegistry constructs the device registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Registration is the input for registering or refreshing a device.
type Registration struct {
	UserID   string
	DeviceID string
	Platform string
	Label    string
}

// Register records a device the first time it is seen and refreshes its
// metadata on every subsequent call.
func (r *Registry) Register(ctx context.Context, registration Registration) (Device, error) {
	userID := normalize(registration.UserID)
	deviceID := normalize(registration.DeviceID)
	if userID == "" || deviceID == "" {
		return Device{}, ErrInvalidDevice
	}

	var device Device
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			UserID:     userID,
			DeviceID:   deviceID,
			Platform:   normalize(registration.Platform),
			Label:      normalize(registration.Label),
			LastSeenAt: r.now(),
		}
		if err := r.db.WithContext(ctx).Create(&device).Error; err != nil {
			return Device{}, err
		}
	} else if err != nil {
		return Device{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": r.now()}
		if platform := normalize(registration.Platform); platform != "" && platform != device.Platform {
			updates["platform"] = platform
			device.Platform = platform
		}
		if label := normalize(registration.Label); label != "" && label != device.Label {
			updates["label"] = label
			device.Label = label
		}
		if err := r.db.WithContext(ctx).Model(&Device{}).
			Where("user_id = ? AND device_id = ?", userID, deviceID).
			Updates(updates).
			Error; err != nil {
			return Device{}, err
		}
	}

	r.cache.Store(userID+":"+deviceID, struct{}{})
	return device, nil
}

// Known reports whether the user has registered the device before. A cache
// hit skips the database; misses fall through to a lookup.
func (r *Registry) Known(ctx context.Context, userID, deviceID string) (bool, error) {
	userID = normalize(userID)
	deviceID = normalize(deviceID)
	if userID == "" || deviceID == "" {
		return false, nil
	}
	if _, ok := r.cache.Load(userID + ":" + deviceID); ok {
		return true, nil
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&Device{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		r.cache.Store(userID+":"+deviceID, struct{}{})
	}
	return count > 0, nil
}

// List returns all devices registered for the user, most recently seen first.
func (r *Registry) List(ctx context.Context, userID string) ([]Device, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, ErrInvalidDevice
	}
	var result []Device
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Find(&result).Error
	if err != nil {
		return nil, err
	}
	return result, nil
}
