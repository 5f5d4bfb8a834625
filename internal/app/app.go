// Package app holds tenant records and the registries that store them.
package app

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrAppNotFound = errors.New("app not found")
	ErrAppExists   = errors.New("app already exists")
	ErrAppInvalid  = errors.New("app id, key and secret are required")
)

// App is one tenant. Zero limits mean "unlimited" except where the server applies
// defaults through WithDefaults.
type App struct {
	ID                           string `json:"id" yaml:"id" bson:"id"`
	Key                          string `json:"key" yaml:"key" bson:"key"`
	Secret                       string `json:"secret" yaml:"secret" bson:"secret"`
	Enabled                      bool   `json:"enabled" yaml:"enabled" bson:"enabled"`
	EnableClientMessages         bool   `json:"enable_client_messages" yaml:"enable_client_messages" bson:"enable_client_messages"`
	EnableUserAuthentication     bool   `json:"enable_user_authentication" yaml:"enable_user_authentication" bson:"enable_user_authentication"`
	MaxConnections               int    `json:"max_connections" yaml:"max_connections" bson:"max_connections"`
	MaxClientEventsPerSecond     int    `json:"max_client_events_per_second" yaml:"max_client_events_per_second" bson:"max_client_events_per_second"`
	MaxPresenceMembersPerChannel int    `json:"max_presence_members_per_channel" yaml:"max_presence_members_per_channel" bson:"max_presence_members_per_channel"`
	MaxPresenceMemberSizeInKB    int    `json:"max_presence_member_size_in_kb" yaml:"max_presence_member_size_in_kb" bson:"max_presence_member_size_in_kb"`
	MaxChannelNameLength         int    `json:"max_channel_name_length" yaml:"max_channel_name_length" bson:"max_channel_name_length"`
	MaxEventNameLength           int    `json:"max_event_name_length" yaml:"max_event_name_length" bson:"max_event_name_length"`
	MaxEventPayloadInKB          int    `json:"max_event_payload_in_kb" yaml:"max_event_payload_in_kb" bson:"max_event_payload_in_kb"`
	MaxEventChannelsAtOnce       int    `json:"max_event_channels_at_once" yaml:"max_event_channels_at_once" bson:"max_event_channels_at_once"`
	MaxEventBatchSize            int    `json:"max_event_batch_size" yaml:"max_event_batch_size" bson:"max_event_batch_size"`
}

const (
	DefaultMaxChannelNameLength = 200
	DefaultMaxEventNameLength   = 200
	DefaultMaxEventPayloadInKB  = 100
	DefaultMaxPresenceMembers   = 100
	DefaultMaxPresenceMemberKB  = 2
	DefaultMaxChannelsAtOnce    = 100
)

// WithDefaults fills the size limits the protocol cannot run without.
func (a App) WithDefaults() App {
	if a.MaxChannelNameLength <= 0 {
		a.MaxChannelNameLength = DefaultMaxChannelNameLength
	}
	if a.MaxEventNameLength <= 0 {
		a.MaxEventNameLength = DefaultMaxEventNameLength
	}
	if a.MaxEventPayloadInKB <= 0 {
		a.MaxEventPayloadInKB = DefaultMaxEventPayloadInKB
	}
	if a.MaxPresenceMembersPerChannel <= 0 {
		a.MaxPresenceMembersPerChannel = DefaultMaxPresenceMembers
	}
	if a.MaxPresenceMemberSizeInKB <= 0 {
		a.MaxPresenceMemberSizeInKB = DefaultMaxPresenceMemberKB
	}
	if a.MaxEventChannelsAtOnce <= 0 {
		a.MaxEventChannelsAtOnce = DefaultMaxChannelsAtOnce
	}
	return a
}

func (a *App) Validate() error {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Key) == "" || a.Secret == "" {
		return ErrAppInvalid
	}
	return nil
}

// Manager is the app registry consulted during handshake and authentication.
type Manager interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
	Create(ctx context.Context, app App) error
	Update(ctx context.Context, app App) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]App, error)
	Close(ctx context.Context) error
}

// Register creates each app, or updates it when it already exists.
func Register(ctx context.Context, m Manager, apps []App) error {
	var errs []error
	for _, a := range apps {
		_, err := m.FindByID(ctx, a.ID)
		switch {
		case err == nil:
			err = m.Update(ctx, a)
		case errors.Is(err, ErrAppNotFound):
			err = m.Create(ctx, a)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
