package subscription

import (
	"context"
	"errors"
)

type Status string

const (
	Unregistered        Status = "unregistered"
	PermissionRequested Status = "permission_requested"
	Subscribed          Status = "subscribed"
	Linked              Status = "linked"
	Denied              Status = "denied"
)

// State is the lifecycle position of the push channel for this device.
// DeviceToken is set in Subscribed and Linked; ExternalUserID only in Linked.
type State struct {
	Status         Status `json:"status"`
	DeviceToken    string `json:"device_token,omitempty"`
	ExternalUserID string `json:"external_user_id,omitempty"`
}

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

var (
	// ErrNoDeviceToken is returned when linking is attempted before a device
	// registration exists.
	ErrNoDeviceToken = errors.New("subscription: no device token to link")

	ErrEmptyExternalID = errors.New("subscription: external user id is empty")
)

// Platform is the host's notification permission and device registration facility.
type Platform interface {
	// Permission reads the current permission without prompting.
	Permission(ctx context.Context) (Permission, error)
	// RequestPermission prompts the user.
	RequestPermission(ctx context.Context) (Permission, error)
	// DeviceToken returns the existing registration, or "" if there is none.
	DeviceToken(ctx context.Context) (string, error)
	RegisterDevice(ctx context.Context) (string, error)
}

// Linker associates a device registration with an account on the push gateway.
type Linker interface {
	Link(ctx context.Context, deviceToken, externalUserID string) error
	Unlink(ctx context.Context, deviceToken string) error
}
